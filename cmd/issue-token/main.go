// Command issue-token mints a bearer token for an existing directory user.
//
//	issue-token -email alice@example.com [-hours 24] [-role PRODUCT_OWNER]
//
// -role changes the account-level role first. It is how the first
// administrator is created.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/huangang/echoboard/internal/config"
	"github.com/huangang/echoboard/internal/models"
	"github.com/huangang/echoboard/internal/services"
	"github.com/huangang/echoboard/internal/utils"
	"github.com/huangang/echoboard/pkg/logger"
	gormlogger "gorm.io/gorm/logger"
)

func main() {
	email := flag.String("email", "", "email of the user to issue a token for")
	hours := flag.Int("hours", 0, "token lifetime in hours (defaults to jwt.expire_hour)")
	roleName := flag.String("role", "", "set the user's account-level role before issuing")
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config.yaml")
	flag.Parse()

	if *email == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	utils.SetJWTSecret(cfg.JWT.Secret)

	db, err := models.OpenDB(&cfg.Database, gormlogger.Silent)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	ctx := context.Background()
	directory := services.NewDirectoryService(db)
	user, err := directory.FindUserByEmail(ctx, *email)
	if err != nil {
		logger.Fatalf("Failed to look up user: %v", err)
	}
	if !user.IsActive {
		logger.Fatalf("User %s is deactivated", user.Email)
	}

	if *roleName != "" {
		role, err := models.ParseRole(*roleName)
		if err != nil {
			logger.Fatalf("Invalid role: %v", err)
		}
		if user, err = directory.ChangeUserRole(ctx, user.ID, role); err != nil {
			logger.Fatalf("Failed to change role: %v", err)
		}
	}

	lifetime := *hours
	if lifetime <= 0 {
		lifetime = cfg.JWT.ExpireHour
	}
	token, err := utils.GenerateToken(user.ID, user.Email, string(user.Role), lifetime)
	if err != nil {
		logger.Fatalf("Failed to sign token: %v", err)
	}
	fmt.Println(token)
}
