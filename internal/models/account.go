package models

import (
	"net"
	"strconv"
	"strings"
	"time"
)

// SMTP connection security modes.
const (
	SMTPSecurityTLS      = "tls"
	SMTPSecuritySTARTTLS = "starttls"
	SMTPSecurityNone     = "none"
)

// DefaultMaxRecipients is the provider-safe recipient count per outbound message.
const DefaultMaxRecipients = 50

// Account is one bridged mailbox with its transport settings and encrypted credentials.
type Account struct {
	ID                      string       `json:"id"`
	Email                   string       `json:"email"`
	DisplayName             string       `json:"display_name"`
	Provider                string       `json:"provider"`
	IMAPHost                string       `json:"imap_host"`
	IMAPPort                int          `json:"imap_port"`
	IMAPUseTLS              bool         `json:"imap_use_tls"`
	IMAPUsername            string       `json:"imap_username"`
	EncryptedIMAPPassword   []byte       `json:"-"`
	SMTPHost                string       `json:"smtp_host"`
	SMTPPort                int          `json:"smtp_port"`
	SMTPSecurity            string       `json:"smtp_security"`
	SMTPUsername            string       `json:"smtp_username"`
	EncryptedSMTPPassword   []byte       `json:"-"`
	MonitoredFolders        []string     `json:"monitored_folders"`
	Aliases                 []string     `json:"aliases"`
	Signatures              SignatureSet `json:"signatures"`
	AnalysisModels          []string     `json:"analysis_models"`
	MaxRecipientsPerMessage int          `json:"max_recipients_per_message"`
	IsActive                bool         `json:"is_active"`
	CreatedAt               time.Time    `json:"created_at"`
	UpdatedAt               time.Time    `json:"updated_at"`
}

// IMAPAddress returns host:port for dialing.
func (a *Account) IMAPAddress() string {
	return net.JoinHostPort(a.IMAPHost, strconv.Itoa(a.IMAPPort))
}

// SMTPAddress returns host:port for dialing.
func (a *Account) SMTPAddress() string {
	return net.JoinHostPort(a.SMTPHost, strconv.Itoa(a.SMTPPort))
}

// Folders returns the monitored folders, deduplicated case-insensitively,
// defaulting to INBOX.
func (a *Account) Folders() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, f := range a.MonitoredFolders {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		key := strings.ToLower(f)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, f)
	}
	if len(out) == 0 {
		return []string{"INBOX"}
	}
	return out
}

// Identities returns the account address followed by its aliases, lower-cased and unique.
func (a *Account) Identities() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, addr := range append([]string{a.Email}, a.Aliases...) {
		addr = strings.ToLower(strings.TrimSpace(addr))
		if addr == "" {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}

// RecipientLimit returns the per-message recipient cap.
func (a *Account) RecipientLimit() int {
	if a.MaxRecipientsPerMessage <= 0 {
		return DefaultMaxRecipients
	}
	return a.MaxRecipientsPerMessage
}

// AccountRequest is the onboarding payload. Passwords arrive in clear text and
// are sealed before storage.
type AccountRequest struct {
	Email                   string   `json:"email"`
	DisplayName             string   `json:"display_name"`
	Provider                string   `json:"provider"`
	IMAPHost                string   `json:"imap_host"`
	IMAPPort                int      `json:"imap_port"`
	IMAPUseTLS              *bool    `json:"imap_use_tls"`
	IMAPUsername            string   `json:"imap_username"`
	IMAPPassword            string   `json:"imap_password"`
	SMTPHost                string   `json:"smtp_host"`
	SMTPPort                int      `json:"smtp_port"`
	SMTPSecurity            string   `json:"smtp_security"`
	SMTPUsername            string   `json:"smtp_username"`
	SMTPPassword            string   `json:"smtp_password"`
	MonitoredFolders        []string `json:"monitored_folders"`
	Aliases                 []string `json:"aliases"`
	AnalysisModels          []string `json:"analysis_models"`
	MaxRecipientsPerMessage int      `json:"max_recipients_per_message"`
}
