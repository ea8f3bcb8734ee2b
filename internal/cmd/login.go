package cmd

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/quotaswitch/quotaswitch/internal/auth/codex"
	"github.com/quotaswitch/quotaswitch/internal/config"
)

// LoginOptions adjusts the login command.
type LoginOptions struct {
	NoBrowser bool
}

// DoLogin runs the browser-based OAuth login flow and persists the new
// account.
func DoLogin(cfg *config.Config, options *LoginOptions) {
	if options == nil {
		options = &LoginOptions{}
	}

	manager, _, err := buildManager(cfg)
	if err != nil {
		log.Errorf("failed to initialize: %v", err)
		return
	}

	fmt.Println("Starting Codex account login...")

	acct, err := manager.Login(context.Background(), &codex.LoginOptions{NoBrowser: options.NoBrowser})
	if err != nil {
		var flowErr *codex.FlowError
		if errors.As(err, &flowErr) {
			log.Error(flowErr.Error())
			fmt.Printf("Login failed: %s\n", flowErr.Message)
			if errors.Is(err, codex.ErrListenerBindFailed) {
				fmt.Println("Another login attempt may be holding the callback port. Finish or abort it first.")
			}
			return
		}
		log.Errorf("login failed: %v", err)
		fmt.Printf("Login failed: %v\n", err)
		return
	}

	label := acct.DisplayName
	if label == "" {
		label = acct.ID
	}
	fmt.Printf("Authenticated as %s\n", label)
	fmt.Println("Codex account login successful!")
}
