package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sealed_chat/internal/cryptographic/identity"
	"sealed_chat/internal/keystore"
	"sealed_chat/internal/model"
	"sealed_chat/internal/service/app"
	"sealed_chat/internal/utils/log"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const defaultServer = "localhost:9090"

type options struct {
	server   string
	name     string
	keyFile  string
	logLevel string
}

func main() {
	var opts options

	root := &cobra.Command{
		Use:          "sealed",
		Short:        "End-to-end encrypted chat client",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.name == "" {
				return errors.New("--name is required")
			}
			if opts.keyFile == "" {
				path, err := keystore.DefaultPath(opts.name)
				if err != nil {
					return err
				}
				opts.keyFile = path
			}
			if err := os.MkdirAll(filepath.Dir(opts.keyFile), 0o700); err != nil {
				return err
			}
			// the TUI owns the terminal, so logs go to a file next to the key
			return log.Init(opts.logLevel, false, filepath.Join(filepath.Dir(opts.keyFile), opts.name+".log"))
		},
	}
	root.PersistentFlags().StringVarP(&opts.server, "server", "s", defaultServer, "server host:port")
	root.PersistentFlags().StringVarP(&opts.name, "name", "n", "", "user name")
	root.PersistentFlags().StringVar(&opts.keyFile, "key-file", "", "local key file (default: user config dir)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level")

	root.AddCommand(
		registerCmd(&opts),
		loginCmd(&opts),
		chatCmd(&opts),
		chatsCmd(&opts),
		newChatCmd(&opts),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func registerCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Create an account and a fresh RSA identity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			password, err := readPassword("New password: ")
			if err != nil {
				return err
			}
			confirm, err := readPassword("Repeat password: ")
			if err != nil {
				return err
			}
			if password != confirm {
				return errors.New("passwords do not match")
			}

			priv, err := identity.Generate()
			if err != nil {
				return err
			}
			pub, err := identity.EncodePublicKey(&priv.PublicKey)
			if err != nil {
				return err
			}
			wrapped, err := keystore.Protect(priv, password)
			if err != nil {
				return err
			}

			api := app.NewAPI(opts.server)
			sess, err := api.Register(cmd.Context(), model.RegisterRequest{
				Name:              opts.name,
				PublicKey:         pub,
				WrappedPrivateKey: wrapped,
			})
			if err != nil {
				return fmt.Errorf("register: %w", err)
			}

			err = keystore.Save(opts.keyFile, &keystore.File{
				UserID:            sess.User.ID,
				Name:              sess.User.Name,
				Server:            opts.server,
				Token:             sess.Token,
				PublicKey:         pub,
				WrappedPrivateKey: wrapped,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s (%s)\n", sess.User.Name, sess.User.ID)
			return nil
		},
	}
}

func loginCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Prove key ownership and store a fresh session token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, sess, _, err := login(cmd.Context(), opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s on %s\n", sess.User.Name, api.Host())
			return nil
		},
	}
}

func chatCmd(opts *options) *cobra.Command {
	var chatID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open the interactive client",
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, sess, priv, err := login(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer log.Sync()
			return app.NewApp(api, sess.User).Run(cmd.Context(), priv, chatID)
		},
	}
	cmd.Flags().StringVar(&chatID, "open", "", "chat id to open on start")
	return cmd
}

func chatsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "chats",
		Short: "List chats",
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, _, _, err := login(cmd.Context(), opts)
			if err != nil {
				return err
			}
			chats, err := api.ListChats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, c := range chats {
				mark := " "
				if c.Unread {
					mark = "*"
				}
				fmt.Fprintf(out, "%s %-24s %-8s %-7s %s\n", mark, c.Chat.ID, c.Chat.Type, c.Role, c.Chat.Name)
			}
			return nil
		},
	}
}

func newChatCmd(opts *options) *cobra.Command {
	var (
		typ  string
		name string
	)
	cmd := &cobra.Command{
		Use:   "new-chat [member names...]",
		Short: "Create a direct, group or channel chat",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, members []string) error {
			api, _, _, err := login(cmd.Context(), opts)
			if err != nil {
				return err
			}
			req := model.CreateChatRequest{Type: model.ChatType(strings.ToUpper(typ)), Name: name}
			for _, m := range members {
				key, err := api.PublicKeyByName(cmd.Context(), m)
				if err != nil {
					return fmt.Errorf("lookup %s: %w", m, err)
				}
				req.ParticipantIDs = append(req.ParticipantIDs, key.UserID)
			}
			chat, err := api.CreateChat(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), chat.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&typ, "type", "t", string(model.ChatDirect), "DIRECT, GROUP or CHANNEL")
	cmd.Flags().StringVar(&name, "title", "", "chat name for groups and channels")
	return cmd
}

// login answers the server's key challenge. The protected private key comes
// from the local key file or, on a new machine, from the challenge itself.
func login(ctx context.Context, opts *options) (*app.API, *model.Session, *rsa.PrivateKey, error) {
	file, err := keystore.Load(opts.keyFile)
	if err != nil {
		return nil, nil, nil, err
	}
	server := opts.server
	if file != nil && server == defaultServer && file.Server != "" {
		server = file.Server
	}
	api := app.NewAPI(server)

	challenge, err := api.Challenge(ctx, opts.name)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("challenge: %w", err)
	}
	wrapped := challenge.WrappedPrivateKey
	if file != nil && file.UserID == challenge.UserID {
		wrapped = file.WrappedPrivateKey
	}

	password, err := readPassword("Password: ")
	if err != nil {
		return nil, nil, nil, err
	}
	priv, err := keystore.Unlock(wrapped, password)
	if err != nil {
		return nil, nil, nil, err
	}
	nonce, err := identity.Unwrap(priv, challenge.Challenge)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("answer challenge: %w", err)
	}
	sess, err := api.OpenSession(ctx, challenge.ChallengeID, nonce)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open session: %w", err)
	}
	api.SetToken(sess.Token)

	pub, err := identity.EncodePublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, nil, err
	}
	err = keystore.Save(opts.keyFile, &keystore.File{
		UserID:            sess.User.ID,
		Name:              sess.User.Name,
		Server:            server,
		Token:             sess.Token,
		PublicKey:         pub,
		WrappedPrivateKey: wrapped,
	})
	return api, sess, priv, err
}

func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(b), nil
}
