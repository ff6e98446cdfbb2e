package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/andresmejia3/irisgate/internal/auth"
	"github.com/andresmejia3/irisgate/internal/credential"
	"github.com/andresmejia3/irisgate/internal/token"
	"github.com/andresmejia3/irisgate/internal/transport"
	"github.com/andresmejia3/irisgate/internal/types"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show enrollment status and the stored credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(ctx context.Context) error {
	log := newLogger(os.Stderr)

	// 1. Enrollment, asked directly over the channel
	ident := strings.TrimSpace(clientCfg.Identity)
	enrolled, err := queryEnrollment(ctx, transport.New(transport.Options{Logger: log}), clientCfg.ServerURL, ident, clientCfg.ConnectTimeout)
	switch {
	case err != nil:
		fmt.Fprintf(os.Stderr, "⚠️  Iris service unreachable: %v\n", err)
	case enrolled:
		fmt.Printf("👁️  %s is enrolled\n", displayIdentity(ident))
	default:
		fmt.Printf("👁️  %s is not enrolled\n", displayIdentity(ident))
	}

	// 2. Local credential
	creds, err := credential.OpenBolt(clientCfg.CredentialPath)
	if err != nil {
		return err
	}
	defer creds.Close()
	issuer := auth.NewIssuer(creds, log)

	user, ok, err := issuer.CurrentUser(ctx)
	if err != nil {
		return err
	}
	raw, hasToken, err := issuer.Credential(ctx)
	if err != nil {
		return err
	}
	if !ok || !hasToken {
		fmt.Println("🔒 Not logged in")
		return nil
	}

	fmt.Printf("🔓 Logged in as %s (%s)\n", user.Username, strings.Join(user.Roles, ", "))
	info, err := token.Inspect(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Stored credential is unreadable: %v\n", err)
		return nil
	}
	if !info.IssuedAt.IsZero() {
		fmt.Printf("   Issued:  %s\n", info.IssuedAt.Local().Format("2006-01-02 15:04"))
	}
	if !info.ExpiresAt.IsZero() {
		note := ""
		if info.Expired(time.Now()) {
			note = " (expired)"
		}
		fmt.Printf("   Expires: %s%s\n", info.ExpiresAt.Local().Format("2006-01-02 15:04"), note)
	}
	return nil
}

// enrollmentChannel is the part of the transport queryEnrollment needs.
type enrollmentChannel interface {
	Connect(ctx context.Context, endpoint string) error
	Disconnect() error
	Emit(eventType string, payload any) error
	Subscribe(fn func(transport.Event)) func()
}

// queryEnrollment sends one check-enrollment and waits for the reply.
func queryEnrollment(ctx context.Context, ch enrollmentChannel, endpoint, identity string, timeout time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	replies := make(chan transport.Event, 1)
	unsubscribe := ch.Subscribe(func(ev transport.Event) {
		if ev.Type != types.EventEnrollmentStatus && ev.Type != transport.EventDisconnected {
			return
		}
		select {
		case replies <- ev:
		default:
		}
	})
	defer unsubscribe()

	if err := ch.Connect(ctx, endpoint); err != nil {
		return false, err
	}
	defer ch.Disconnect()

	if err := ch.Emit(types.EventCheckEnrollment, types.EnrollmentQuery{Identity: identity}); err != nil {
		return false, err
	}

	select {
	case ev := <-replies:
		if ev.Type == transport.EventDisconnected {
			return false, fmt.Errorf("%w: closed before replying", transport.ErrChannelUnavailable)
		}
		var status types.EnrollmentStatus
		if err := json.Unmarshal(ev.Payload, &status); err != nil {
			return false, fmt.Errorf("malformed enrollment-status: %w", err)
		}
		return status.Enrolled, nil
	case <-ctx.Done():
		return false, fmt.Errorf("no enrollment status within %s: %w", timeout, ctx.Err())
	}
}
