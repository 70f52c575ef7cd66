// Command fsctl is the administrative CLI for the index server:
// account signup, login, 2FA enrollment, and file-server linking.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/mredolatti/tf/internal/config"
	"github.com/mredolatti/tf/internal/indexclient"
	"github.com/mredolatti/tf/internal/tlsmaterial"
)

var (
	configPath string
	user       string
	email      string
	password   string
	otp        string
	org        string
	server     string
	force      bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fsctl",
		Short: "Administer an account and its file-server links on the index server",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the JSON configuration document")
	root.MarkPersistentFlagRequired("config")

	root.AddCommand(newSignupCmd(), newLoginCmd(), new2FACmd(), newListServersCmd(), newLinkServerCmd())
	return root
}

func newSignupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create a new account on the index server",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFromConfig()
			if err != nil {
				return err
			}
			if err := c.SignUp(cmd.Context(), user, email, password); err != nil {
				return err
			}
			fmt.Println("account created; check your email to verify it")
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "display name")
	cmd.Flags().StringVarP(&email, "email", "e", "", "email address")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password")
	return cmd
}

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate and print a session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFromConfig()
			if err != nil {
				return err
			}
			token, err := c.Auth(cmd.Context(), email, password, otp)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&email, "email", "e", "", "email address")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password")
	cmd.Flags().StringVarP(&otp, "otp", "o", "", "one-time password from the authenticator app")
	return cmd
}

func new2FACmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "2fa",
		Short: "Enroll in two-factor authentication, saving the QR code as 2fa.png",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFromConfig()
			if err != nil {
				return err
			}
			png, err := c.Setup2FA(cmd.Context())
			if err != nil {
				return err
			}
			if err := os.WriteFile("2fa.png", png, 0644); err != nil {
				return err
			}
			fmt.Println("wrote 2fa.png; scan it with your authenticator app")
			return nil
		},
	}
	cmd.Flags().StringVarP(&email, "email", "e", "", "email address")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password")
	return cmd
}

func newListServersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-servers",
		Short: "List the file servers known to the index server",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFromConfig()
			if err != nil {
				return err
			}
			servers, err := c.GetServers(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range servers {
				fmt.Printf("%s/%s\t%s\n", s.OrganizationName, s.Name, s.FileFetchURL)
			}
			return nil
		},
	}
}

func newLinkServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link-server",
		Short: "Link the account to a file server, completing its mutual-TLS handshake",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFromConfig()
			if err != nil {
				return err
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cred, ok := cfg.Credentials[org][server]
			if !ok {
				return fmt.Errorf("no credentials configured for %s/%s", org, server)
			}
			tlsCfg, err := tlsmaterial.ClientTLSConfig(cred.RootCertificate, cred.ClientCertificate, cred.ClientPrivateKey)
			if err != nil {
				return err
			}
			if err := c.LinkFileServer(cmd.Context(), org, server, force, &http.Transport{TLSClientConfig: tlsCfg}); err != nil {
				return err
			}
			fmt.Printf("linked %s/%s\n", org, server)
			return nil
		},
	}
	cmd.Flags().StringVarP(&org, "organization", "g", "", "organization name")
	cmd.Flags().StringVarP(&server, "server", "s", "", "file server name")
	cmd.Flags().BoolVar(&force, "force", false, "re-link even if already linked")
	return cmd
}

// clientFromConfig builds an indexclient.Client from the configured
// index server, authenticating subsequent requests with a static
// token read from the MIFS_SESSION_TOKEN environment variable when
// set (for example, to the token a prior `fsctl login` printed), and
// otherwise with
// whatever tokenSource the configuration names.
func clientFromConfig() (*indexclient.Client, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	var tokens config.TokenSource
	if t := os.Getenv("MIFS_SESSION_TOKEN"); t != "" {
		tokens = config.StaticToken(t)
	} else {
		tokens, err = config.TokenSourceFromSpec(cfg.IndexServer.TokenSource)
		if err != nil {
			return nil, err
		}
	}

	httpClient := http.DefaultClient
	if cfg.IndexServer.RootCert != "" {
		tlsCfg, err := tlsmaterial.IndexServerConfig(cfg.IndexServer.RootCert)
		if err != nil {
			return nil, err
		}
		httpClient = &http.Client{Transport: &http.Transport{TLSClientConfig: tlsCfg}}
	}

	return indexclient.New(cfg.IndexServer.URL, httpClient, tokens), nil
}
