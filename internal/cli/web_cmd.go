package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/agusx1211/crew/internal/inbox"
	"github.com/agusx1211/crew/internal/webserver"
)

var webCmd = &cobra.Command{
	Use:   "web",
	Short: "Serve the team over HTTP: JSON views and browser terminals",
	Args:  cobra.NoArgs,
	RunE:  runWeb,
}

func init() {
	webCmd.Flags().IntP("port", "p", 8322, "Port to listen on")
	webCmd.Flags().String("host", "127.0.0.1", "Host to bind to")
	webCmd.Flags().Bool("expose", false, "Bind to 0.0.0.0 for LAN access (generates an auth token)")
	webCmd.Flags().String("auth-token", "", "Require a Bearer token for all access")
	webCmd.Flags().Bool("mdns", false, "Advertise the server on the local network via mDNS")
	webCmd.Flags().Bool("qr", false, "Print the URL as a QR code")
	rootCmd.AddCommand(webCmd)
}

func runWeb(cmd *cobra.Command, args []string) error {
	mgr, err := teamManager()
	if err != nil {
		return err
	}

	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	authToken, _ := cmd.Flags().GetString("auth-token")
	expose, _ := cmd.Flags().GetBool("expose")
	enableMDNS, _ := cmd.Flags().GetBool("mdns")
	printQR, _ := cmd.Flags().GetBool("qr")

	if expose {
		host = "0.0.0.0"
		if authToken == "" {
			authToken = generateToken()
			fmt.Fprintf(os.Stderr, "Generated auth token: %s\n", authToken)
		}
		fmt.Fprintln(os.Stderr, "Warning: Exposing web server on all interfaces.")
	}

	srv := webserver.New(mgr.Registry, inbox.Open(mgr.Registry.TeamDir()), webserver.Options{
		Host:      host,
		Port:      port,
		AuthToken: authToken,
	})
	if err := srv.Start(); err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			fmt.Fprintf(os.Stderr, "Port %d is already in use.\n", port)
			fmt.Fprintf(os.Stderr, "Try: crew web --port %d\n", port+1)
		}
		return fmt.Errorf("starting web server: %w", err)
	}

	url := srv.URL()
	// OSC 8 hyperlink for terminals that support it.
	fmt.Printf("\033]8;;%s\033\\%s\033]8;;\033\\\n", url, url)
	if authToken != "" {
		fmt.Println("Auth token required for access.")
	}
	if printQR || expose {
		if err := printWebQRCode(url); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to render QR code: %v\n", err)
		}
	}

	if enableMDNS || expose {
		teamName := filepath.Base(filepath.Dir(mgr.Registry.TeamDir()))
		mdnsServer, err := webserver.Advertise(teamName, port, url)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to start mDNS advertisement: %v\n", err)
		} else {
			defer mdnsServer.Shutdown()
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down web server: %w", err)
	}
	return nil
}

func generateToken() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func printWebQRCode(url string) error {
	code, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return err
	}
	fmt.Println(code.ToString(false))
	return nil
}
