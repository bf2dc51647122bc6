package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"onlycat/backend/internal/auth/jwt"
	"onlycat/backend/internal/config"
)

// issue-token 使用 ONLYCAT_AUTH_JWT_SECRET 签发访问令牌，仅用于本地联调
func main() {
	userID := flag.String("user", "", "令牌 sub（用户 ID）")
	email := flag.String("email", "", "令牌 email 声明，可选")
	ttl := flag.Duration("ttl", time.Hour, "有效期")
	flag.Parse()

	if *userID == "" {
		fmt.Println("Usage: issue-token -user=<userID> [-email=<email>] [-ttl=1h]")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.JWTSecret == "" {
		fmt.Fprintln(os.Stderr, "ONLYCAT_AUTH_JWT_SECRET is not set")
		os.Exit(1)
	}

	token, err := jwt.NewManager(cfg.Auth.JWTSecret, cfg.Auth.Audience).GenerateToken(*userID, *email, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to sign token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
