package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/vdavid/vbridge/internal/apperr"
	"github.com/vdavid/vbridge/internal/crypto"
	"github.com/vdavid/vbridge/internal/db"
	"github.com/vdavid/vbridge/internal/logging"
	"github.com/vdavid/vbridge/internal/models"
	"github.com/vdavid/vbridge/internal/providers"
	"github.com/vdavid/vbridge/internal/signature"
)

// WatcherControl starts and stops the mailbox watchers of an account.
// *watcher.Supervisor satisfies it.
type WatcherControl interface {
	Start(ctx context.Context, account *models.Account)
	Stop(accountID string)
}

// AccountsHandler manages bridged mailboxes.
type AccountsHandler struct {
	pool      *pgxpool.Pool
	encryptor *crypto.Encryptor
	providers *providers.Table
	watchers  WatcherControl
	log       zerolog.Logger
}

func NewAccountsHandler(pool *pgxpool.Pool, encryptor *crypto.Encryptor, table *providers.Table, watchers WatcherControl, log zerolog.Logger) *AccountsHandler {
	if table == nil {
		table = providers.Default()
	}
	return &AccountsHandler{
		pool:      pool,
		encryptor: encryptor,
		providers: table,
		watchers:  watchers,
		log:       logging.Component(log, "api.accounts"),
	}
}

// Create stores a new account with sealed passwords and starts its watchers.
func (h *AccountsHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req models.AccountRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, h.log, err)
		return
	}

	account, err := h.buildAccount(req)
	if err != nil {
		WriteError(w, h.log, err)
		return
	}

	if err := db.CreateAccount(ctx, h.pool, account); err != nil {
		WriteError(w, h.log, err)
		return
	}
	h.log.Info().Str("account_id", account.ID).Str("email", logging.MaskEmail(account.Email)).Str("provider", account.Provider).Msg("account created")

	if h.watchers != nil {
		h.watchers.Start(ctx, account)
	}
	WriteJSON(w, h.log, http.StatusCreated, account)
}

// buildAccount fills provider defaults for anything the request leaves out.
func (h *AccountsHandler) buildAccount(req models.AccountRequest) (*models.Account, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(req.Email))
	if err != nil {
		return nil, apperr.Validation("email", req.Email, "not a valid address")
	}
	email := strings.ToLower(addr.Address)

	if req.IMAPPassword == "" {
		return nil, apperr.Validation("imap_password", "", "required")
	}
	if req.SMTPPassword == "" {
		req.SMTPPassword = req.IMAPPassword
	}

	key := strings.ToLower(strings.TrimSpace(req.Provider))
	if key == "" {
		key = h.providers.Detect(email)
	}
	p := h.providers.Lookup(key)

	account := &models.Account{
		Email:                   email,
		DisplayName:             strings.TrimSpace(req.DisplayName),
		Provider:                p.Key,
		IMAPHost:                firstNonEmpty(req.IMAPHost, p.IMAP.Host),
		IMAPPort:                firstPositive(req.IMAPPort, p.IMAP.Port, 993),
		IMAPUseTLS:              p.IMAP.TLS || p.IMAP.Host == "",
		IMAPUsername:            firstNonEmpty(req.IMAPUsername, email),
		SMTPHost:                firstNonEmpty(req.SMTPHost, p.SMTP.Host),
		SMTPPort:                firstPositive(req.SMTPPort, p.SMTP.Port, 465),
		SMTPSecurity:            strings.ToLower(firstNonEmpty(req.SMTPSecurity, p.SMTP.Security, models.SMTPSecurityTLS)),
		SMTPUsername:            firstNonEmpty(req.SMTPUsername, req.IMAPUsername, email),
		MonitoredFolders:        req.MonitoredFolders,
		Aliases:                 req.Aliases,
		AnalysisModels:          req.AnalysisModels,
		MaxRecipientsPerMessage: firstPositive(req.MaxRecipientsPerMessage, p.MaxRecipients),
		IsActive:                true,
	}
	if req.IMAPUseTLS != nil {
		account.IMAPUseTLS = *req.IMAPUseTLS
	}

	switch {
	case account.IMAPHost == "":
		return nil, apperr.Validation("imap_host", "", "required for provider "+p.Key)
	case account.SMTPHost == "":
		return nil, apperr.Validation("smtp_host", "", "required for provider "+p.Key)
	}
	switch account.SMTPSecurity {
	case models.SMTPSecurityTLS, models.SMTPSecuritySTARTTLS, models.SMTPSecurityNone:
	default:
		return nil, apperr.Validation("smtp_security", account.SMTPSecurity, "must be tls, starttls or none")
	}

	for i, alias := range account.Aliases {
		a, err := mail.ParseAddress(alias)
		if err != nil {
			return nil, apperr.Validation("aliases", alias, "not a valid address")
		}
		account.Aliases[i] = strings.ToLower(a.Address)
	}

	account.EncryptedIMAPPassword, account.EncryptedSMTPPassword, err = h.encryptor.EncryptPair(req.IMAPPassword, req.SMTPPassword)
	if err != nil {
		return nil, err
	}
	return account, nil
}

// List returns every account. Sealed passwords never leave the server.
func (h *AccountsHandler) List(w http.ResponseWriter, r *http.Request) {
	accounts, err := db.ListAccounts(r.Context(), h.pool, false)
	if err != nil {
		WriteError(w, h.log, err)
		return
	}
	if accounts == nil {
		accounts = []*models.Account{}
	}
	WriteJSON(w, h.log, http.StatusOK, accounts)
}

// Delete stops the watchers and removes the account with everything mapped to it.
func (h *AccountsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.watchers != nil {
		h.watchers.Stop(id)
	}
	if err := db.DeleteAccount(r.Context(), h.pool, id); err != nil {
		WriteError(w, h.log, err)
		return
	}
	h.log.Info().Str("account_id", id).Msg("account deleted")
	w.WriteHeader(http.StatusNoContent)
}

// PutSignatures replaces the signature set after normalizing it.
func (h *AccountsHandler) PutSignatures(w http.ResponseWriter, r *http.Request) {
	var set models.SignatureSet
	if err := decodeJSON(r, &set); err != nil {
		WriteError(w, h.log, err)
		return
	}
	set = signature.Normalize(set)

	if err := db.UpdateSignatures(r.Context(), h.pool, r.PathValue("id"), set); err != nil {
		WriteError(w, h.log, err)
		return
	}
	WriteJSON(w, h.log, http.StatusOK, set)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
