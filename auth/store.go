package auth

import "sync"

// Store 保存进程内的上游会话状态，所有字段都可能为空。
// cookie 为空即视为未登录。字段只由 Acquirer 写入；
// 读写都过同一把锁，多个请求并发触发获取流程时不会交叉写坏状态。
type Store struct {
	mu           sync.Mutex
	apiKey       string
	cookie       string
	refreshToken string
	userID       string
	nextAction   string
}

// Snapshot 是某一时刻的会话状态只读副本。
type Snapshot struct {
	APIKey       string
	Cookie       string
	RefreshToken string
	UserID       string
	NextAction   string
}

func NewStore() *Store {
	return &Store{}
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		APIKey:       s.apiKey,
		Cookie:       s.cookie,
		RefreshToken: s.refreshToken,
		UserID:       s.userID,
		NextAction:   s.nextAction,
	}
}

func (s *Store) SetAPIKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKey = key
}

// SetSession 一次性写入登录/刷新成功后的全部凭证。
func (s *Store) SetSession(cookie, refreshToken, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cookie = cookie
	s.refreshToken = refreshToken
	s.userID = userID
}

func (s *Store) SetNextAction(action string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAction = action
}
