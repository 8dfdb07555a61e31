package main

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/evharbor/harbor/internal/gateway"
	"github.com/evharbor/harbor/internal/meta"
)

// qrSize is the edge length in pixels of rendered share QR codes.
const qrSize = 256

var (
	shareDir            bool
	shareDays           int
	shareOff            bool
	shareReadWrite      bool
	sharePassword       string
	shareRandomPassword bool
	shareQR             string
	shareBaseURL        string

	sharedPassword string
	sharedOutput   string
)

func newShareCmd() *cobra.Command {
	shareCmd := &cobra.Command{
		Use:   "share <bucket> <path>",
		Short: "Share a file or directory through a link",
		Long: `Share a file or directory through a link.

A shared directory exposes everything below it. --days 0 shares until
revoked; a positive value expires the share after that many days.

Examples:
  # Share a file for a week with a generated password
  harbor share photos 2024/beach.jpg --days 7 --random-password

  # Share a directory permanently and write the link as a QR code
  harbor share photos 2024 --dir --qr link.png

  # Revoke a share
  harbor share photos 2024/beach.jpg --off`,
		Args: cobra.ExactArgs(2),
		RunE: withEnv(runShare),
	}
	shareCmd.Flags().BoolVar(&shareDir, "dir", false, "share a directory and its subtree")
	shareCmd.Flags().IntVar(&shareDays, "days", 0, "days until the share expires (0 = permanent)")
	shareCmd.Flags().BoolVar(&shareOff, "off", false, "stop sharing")
	shareCmd.Flags().BoolVar(&shareReadWrite, "read-write", false, "share read-write instead of read-only")
	shareCmd.Flags().StringVar(&sharePassword, "password", "", fmt.Sprintf("share password (%d-%d characters)",
		gateway.MinSharePasswordLen, gateway.MaxSharePasswordLen))
	shareCmd.Flags().BoolVar(&shareRandomPassword, "random-password", false, "generate a share password")
	shareCmd.Flags().StringVar(&shareQR, "qr", "", "write the share link as a PNG QR code to this file")
	shareCmd.Flags().StringVar(&shareBaseURL, "base-url", "http://localhost:8000", "base URL of share links")

	return shareCmd
}

func newSharedCmd() *cobra.Command {
	sharedCmd := &cobra.Command{
		Use:   "shared <bucket> <path>",
		Short: "Download a shared object without bucket access",
		Args:  cobra.ExactArgs(2),
		RunE:  withEnv(runShared),
	}
	sharedCmd.Flags().StringVar(&sharedPassword, "password", "", "share password")
	sharedCmd.Flags().StringVarP(&sharedOutput, "output", "o", "", "write to this file instead of stdout")
	return sharedCmd
}

func shareRequest() (gateway.ShareRequest, error) {
	if sharePassword != "" && shareRandomPassword {
		return gateway.ShareRequest{}, errors.New("--password and --random-password are mutually exclusive")
	}
	req := gateway.ShareRequest{Mode: meta.ShareReadOnly, Days: shareDays}
	if shareReadWrite {
		req.Mode = meta.ShareReadWrite
	}
	if shareOff {
		req.Mode = meta.ShareOff
	}
	switch {
	case shareRandomPassword:
		req.PasswordPolicy = gateway.PasswordRandom
	case sharePassword != "":
		req.PasswordPolicy = gateway.PasswordExplicit
		req.Password = sharePassword
	}
	return req, nil
}

// shareLink builds the public link for a shared path.
func shareLink(baseURL, bucket, path, password string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	u = u.JoinPath("share", bucket, strings.Trim(path, "/"))
	if password != "" {
		q := u.Query()
		q.Set("p", password)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func runShare(cmd *cobra.Command, e *env, args []string) error {
	req, err := shareRequest()
	if err != nil {
		return err
	}

	var n *meta.Node
	if shareDir {
		n, err = e.svc.ShareDir(cmd.Context(), identity, args[0], args[1], req)
	} else {
		n, err = e.svc.ShareObject(cmd.Context(), identity, args[0], args[1], req)
	}
	if err != nil {
		return fmt.Errorf("share: %w", err)
	}

	out := cmd.OutOrStdout()
	if n.Share.Mode == meta.ShareOff {
		_, _ = fmt.Fprintf(out, "'%s' is no longer shared.\n", args[1])
		return nil
	}

	link, err := shareLink(shareBaseURL, args[0], args[1], n.Share.Password)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Link:\t%s\n", link)
	_, _ = fmt.Fprintf(w, "Mode:\t%s\n", n.Share.Mode)
	if n.Share.Password != "" {
		_, _ = fmt.Fprintf(w, "Password:\t%s\n", n.Share.Password)
	}
	if n.Share.TimeLimit {
		_, _ = fmt.Fprintf(w, "Expires:\t%s\n", n.Share.End.Local().Format(timeLayout))
	} else {
		_, _ = fmt.Fprintln(w, "Expires:\tnever")
	}
	_ = w.Flush()

	if shareQR != "" {
		if err := qrcode.WriteFile(link, qrcode.Medium, qrSize, shareQR); err != nil {
			return fmt.Errorf("write QR code: %w", err)
		}
		_, _ = fmt.Fprintf(out, "QR code written to %s.\n", shareQR)
	}
	return nil
}

func runShared(cmd *cobra.Command, e *env, args []string) error {
	rc, n, err := e.svc.ReadShared(cmd.Context(), args[0], args[1], sharedPassword)
	if err != nil {
		return fmt.Errorf("read shared: %w", err)
	}
	defer func() { _ = rc.Close() }()
	return copyOut(cmd, rc, sharedOutput, n.Name)
}

// copyOut writes r to file, or to the command's stdout when file is empty.
func copyOut(cmd *cobra.Command, r io.Reader, file, name string) error {
	var dst io.Writer = cmd.OutOrStdout()
	if file != "" {
		f, err := os.Create(file)
		if err != nil {
			return fmt.Errorf("create %s: %w", file, err)
		}
		defer func() { _ = f.Close() }()
		dst = f
	}
	if _, err := io.Copy(dst, r); err != nil {
		return fmt.Errorf("copy %s: %w", name, err)
	}
	return nil
}

func newTokenCmd() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue and verify signed share tokens",
	}

	tokenCmd.AddCommand(&cobra.Command{
		Use:   "issue <bucket> <path>",
		Short: "Issue a token for a shared path",
		Args:  cobra.ExactArgs(2),
		RunE:  withEnv(runTokenIssue),
	})

	tokenCmd.AddCommand(&cobra.Command{
		Use:   "verify <token>",
		Short: "Verify a share token and show what it grants",
		Args:  cobra.ExactArgs(1),
		RunE:  withEnv(runTokenVerify),
	})

	return tokenCmd
}

func runTokenIssue(cmd *cobra.Command, e *env, args []string) error {
	token, exp, err := e.svc.IssueShareToken(cmd.Context(), identity, args[0], args[1])
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintln(out, token)
	_, _ = fmt.Fprintf(out, "Expires: %s\n", exp.Local().Format(time.RFC3339))
	return nil
}

func runTokenVerify(cmd *cobra.Command, e *env, args []string) error {
	claims, n, err := e.svc.VerifyShareToken(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("verify token: %w", err)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Bucket:\t%s\n", claims.Bucket)
	_, _ = fmt.Fprintf(w, "Path:\t%s\n", claims.Path)
	_, _ = fmt.Fprintf(w, "Node:\t%d\n", n.ID)
	_, _ = fmt.Fprintf(w, "Expires:\t%s\n", claims.ExpiresAt.Local().Format(time.RFC3339))
	_ = w.Flush()
	return nil
}
