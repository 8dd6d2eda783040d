package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"github.com/vdavid/vbridge/internal/imap"
)

// probeReport is what a mail server offers the watchers.
type probeReport struct {
	Capabilities []string
	Idle         bool
	Thread       bool
	Folders      []string
	Folder       string
	Messages     uint32
	Unseen       []uint32
	ThreadOrder  []uint32
}

type folderLister interface {
	ListFolders(ctx context.Context) ([]string, error)
}

func newProbeCmd() *cobra.Command {
	var (
		address string
		user    string
		folder  string
		useTLS  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Connect to an IMAP server and report what the watchers can use",
		Long: "Connects to an IMAP server and prints its capabilities, folders and unseen messages.\n" +
			"The password is read from IMAP_PASSWORD.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			password := os.Getenv("IMAP_PASSWORD")
			if address == "" || user == "" || password == "" {
				return fmt.Errorf("--address, --user and IMAP_PASSWORD are required")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			report, err := probe(ctx, imap.NetDialer{Timeout: timeout, CommandTimeout: timeout}, imap.Credentials{
				Address:  address,
				UseTLS:   useTLS,
				Username: user,
				Password: password,
			}, folder)
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().StringVar(&address, "address", os.Getenv("IMAP_SERVER"), "server host:port")
	cmd.Flags().StringVar(&user, "user", os.Getenv("IMAP_USER"), "login user name")
	cmd.Flags().StringVar(&folder, "folder", "INBOX", "folder to inspect")
	cmd.Flags().BoolVar(&useTLS, "tls", true, "use implicit TLS")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall time limit")
	return cmd
}

func probe(ctx context.Context, dialer imap.Dialer, creds imap.Credentials, folder string) (*probeReport, error) {
	t, err := dialer.Dial(ctx, creds)
	if err != nil {
		return nil, err
	}
	defer func() { _ = t.Close() }()

	caps, err := t.Capabilities(ctx)
	if err != nil {
		return nil, err
	}
	report := &probeReport{
		Idle:   t.SupportsIdle(ctx),
		Thread: t.SupportsThread(ctx),
		Folder: folder,
	}
	for name := range caps {
		report.Capabilities = append(report.Capabilities, name)
	}
	sort.Strings(report.Capabilities)

	if lister, ok := t.(folderLister); ok {
		if report.Folders, err = lister.ListFolders(ctx); err != nil {
			return nil, err
		}
		sort.Strings(report.Folders)
	}

	status, err := t.Select(ctx, folder)
	if err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", folder, err)
	}
	report.Messages = status.Messages

	if report.Unseen, err = t.SearchUnseen(ctx); err != nil {
		return nil, err
	}
	if report.Thread && len(report.Unseen) > 0 {
		if report.ThreadOrder, err = t.ThreadOrder(ctx, report.Unseen); err != nil {
			return nil, err
		}
	}
	return report, nil
}

func printReport(w io.Writer, r *probeReport) {
	yesNo := func(b bool) string {
		if b {
			return "yes"
		}
		return "no"
	}
	_, _ = fmt.Fprintf(w, "Capabilities: %v\n", r.Capabilities)
	_, _ = fmt.Fprintf(w, "IDLE: %s\n", yesNo(r.Idle))
	_, _ = fmt.Fprintf(w, "THREAD=REFERENCES: %s\n", yesNo(r.Thread))
	if r.Folders != nil {
		_, _ = fmt.Fprintf(w, "Folders: %v\n", r.Folders)
	}
	_, _ = fmt.Fprintf(w, "%s: %d messages, %d unseen\n", r.Folder, r.Messages, len(r.Unseen))
	if r.ThreadOrder != nil {
		_, _ = fmt.Fprintf(w, "Thread order: %v\n", r.ThreadOrder)
	}
}
