package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/LubyRuffy/nd2o/auth"
	"github.com/LubyRuffy/nd2o/config"
	"github.com/LubyRuffy/nd2o/openaihttp"
	"github.com/LubyRuffy/nd2o/upstream"
	"github.com/gin-gonic/gin"
)

func main() {
	var (
		configPath = flag.String("config", "", "yaml config file (when set, all other flags are ignored)")
		listen     = flag.String("listen", ":8080", "listen address")
		basePath   = flag.String("base-path", "/v1", "base path prefix")
		siteURL    = flag.String("site-url", "", "notdiamond site url (default: https://chat.notdiamond.ai)")
		authURL    = flag.String("auth-url", "", "supabase auth url (default: built-in)")
		variant    = flag.String("variant", "", "upstream variant: component|event-stream (default: component)")
		email      = flag.String("email", os.Getenv("ND_EMAIL"), "notdiamond account email (or ND_EMAIL)")
		password   = flag.String("password", os.Getenv("ND_PASSWORD"), "notdiamond account password (or ND_PASSWORD)")
		gateToken  = flag.String("gate-token", "", "require this bearer token on local api")
	)
	flag.Parse()

	var cfg config.Config
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("load config failed: %v", err)
		}
		cfg = loaded
	} else {
		cfg.Server.Listen = *listen
		cfg.Server.BasePath = *basePath
		cfg.Upstream.SiteURL = *siteURL
		cfg.Upstream.AuthURL = *authURL
		cfg.Upstream.Variant = *variant
		cfg.Login.Email = *email
		cfg.Login.Password = *password
		cfg.Gate.Enabled = *gateToken != ""
		cfg.Gate.Token = *gateToken
		cfg.ApplyDefaults()
		if err := cfg.Validate(); err != nil {
			log.Fatalf("invalid config: %v", err)
		}
	}

	parsedVariant, err := upstream.ParseVariant(cfg.Upstream.Variant)
	if err != nil {
		log.Fatalf("invalid variant: %v", err)
	}

	store := auth.NewStore()
	acquirer := auth.NewAcquirer(store, auth.Config{
		SiteURL:  cfg.Upstream.SiteURL,
		AuthURL:  cfg.Upstream.AuthURL,
		Email:    cfg.Login.Email,
		Password: cfg.Login.Password,
		// 行帧形态的提交要带 Next-Action 头，原始文本形态不需要
		RequireNextAction: parsedVariant == upstream.VariantComponent,
	})

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(openaihttp.BearerGate(cfg.Gate.Enabled, cfg.Gate.Token))

	err = openaihttp.RegisterGinRoutes(r, openaihttp.Config{
		BasePath: cfg.Server.BasePath,
		ChatURL:  cfg.ChatURL(),
		Variant:  cfg.Upstream.Variant,
		Session:  acquirer,
	})
	if err != nil {
		log.Fatalf("register routes failed: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("nd2o server listening on http://%s%s", cfg.Server.Listen, cfg.Server.BasePath)
	log.Printf("try: curl http://%s%s/models", cfg.Server.Listen, cfg.Server.BasePath)
	log.Printf("try: curl http://%s%s/chat/completions -H 'Content-Type: application/json' -d '{\"model\":\"gpt-4o\",\"messages\":[{\"role\":\"user\",\"content\":\"hi\"}]}'", cfg.Server.Listen, cfg.Server.BasePath)
	log.Printf("OpenAI SDK base_url: http://%s%s", cfg.Server.Listen, cfg.Server.BasePath)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
