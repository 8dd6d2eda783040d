package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/vdavid/vbridge/internal/apperr"
	"github.com/vdavid/vbridge/internal/draft"
	"github.com/vdavid/vbridge/internal/logging"
	"github.com/vdavid/vbridge/internal/models"
	"github.com/vdavid/vbridge/internal/send"
)

// MaxAttachmentSize bounds one uploaded attachment.
const MaxAttachmentSize = 25 << 20

// Drafts is the draft state machine. *draft.Service satisfies it.
type Drafts interface {
	Start(ctx context.Context, req draft.StartRequest) (*models.Draft, bool, error)
	Get(ctx context.Context, topicID string) (*models.Draft, error)
	SetField(ctx context.Context, topicID, field, value string) (*models.Draft, error)
	AppendBody(ctx context.Context, topicID, text string) (*models.Draft, error)
	AddAttachment(ctx context.Context, topicID, name, contentType string, data []byte) (string, error)
	RemoveAttachment(ctx context.Context, topicID, attID string) (*models.Draft, error)
	SetSignature(ctx context.Context, topicID string, policy models.SignaturePolicy) (*models.Draft, error)
	Send(ctx context.Context, topicID string) (*send.Result, error)
	Cancel(ctx context.Context, topicID string) error
}

// DraftsHandler drives drafts from the command surface.
type DraftsHandler struct {
	drafts Drafts
	log    zerolog.Logger
}

func NewDraftsHandler(drafts Drafts, log zerolog.Logger) *DraftsHandler {
	return &DraftsHandler{drafts: drafts, log: logging.Component(log, "api.drafts")}
}

type startRequest struct {
	Kind     string `json:"kind"`
	ThreadID string `json:"thread_id"`
}

type draftResponse struct {
	Draft   *models.Draft     `json:"draft"`
	State   models.DraftState `json:"state"`
	Resumed bool              `json:"resumed,omitempty"`
}

func newDraftResponse(d *models.Draft) draftResponse {
	return draftResponse{Draft: d, State: d.State()}
}

// Start opens the draft of an existing topic, or resumes it.
func (h *DraftsHandler) Start(w http.ResponseWriter, r *http.Request) {
	var body startRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, h.log, err)
			return
		}
	}
	kind := models.DraftKind(body.Kind)
	if kind == "" {
		kind = models.DraftKindReply
	}
	h.start(w, r, draft.StartRequest{TopicID: r.PathValue("id"), Kind: kind, ThreadID: body.ThreadID})
}

// StartNew opens a draft for a new message in a fresh topic.
func (h *DraftsHandler) StartNew(w http.ResponseWriter, r *http.Request) {
	h.start(w, r, draft.StartRequest{AccountID: r.PathValue("id"), Kind: models.DraftKindNew})
}

func (h *DraftsHandler) start(w http.ResponseWriter, r *http.Request, req draft.StartRequest) {
	d, resumed, err := h.drafts.Start(r.Context(), req)
	if err != nil {
		WriteError(w, h.log, err)
		return
	}
	status := http.StatusCreated
	if resumed {
		status = http.StatusOK
	}
	resp := newDraftResponse(d)
	resp.Resumed = resumed
	WriteJSON(w, h.log, status, resp)
}

func (h *DraftsHandler) Get(w http.ResponseWriter, r *http.Request) {
	d, err := h.drafts.Get(r.Context(), r.PathValue("id"))
	h.respond(w, d, err)
}

type setFieldRequest struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// SetField replaces one header field: from, to, cc, bcc or subject.
func (h *DraftsHandler) SetField(w http.ResponseWriter, r *http.Request) {
	var body setFieldRequest
	if err := decodeJSON(r, &body); err != nil {
		WriteError(w, h.log, err)
		return
	}
	d, err := h.drafts.SetField(r.Context(), r.PathValue("id"), body.Field, body.Value)
	h.respond(w, d, err)
}

type appendBodyRequest struct {
	Text string `json:"text"`
}

func (h *DraftsHandler) AppendBody(w http.ResponseWriter, r *http.Request) {
	var body appendBodyRequest
	if err := decodeJSON(r, &body); err != nil {
		WriteError(w, h.log, err)
		return
	}
	d, err := h.drafts.AppendBody(r.Context(), r.PathValue("id"), body.Text)
	h.respond(w, d, err)
}

// AddAttachment takes a multipart upload in the "file" field.
func (h *DraftsHandler) AddAttachment(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxAttachmentSize+1<<20)

	file, header, err := r.FormFile("file")
	if err != nil {
		WriteError(w, h.log, apperr.Validation("file", "", "multipart field is required"))
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(io.LimitReader(file, MaxAttachmentSize+1))
	if err != nil {
		WriteError(w, h.log, apperr.Validation("file", header.Filename, "could not be read"))
		return
	}
	if len(data) > MaxAttachmentSize {
		WriteError(w, h.log, apperr.Validation("file", header.Filename, "too large"))
		return
	}

	id, err := h.drafts.AddAttachment(r.Context(), r.PathValue("id"), header.Filename, header.Header.Get("Content-Type"), data)
	if err != nil {
		WriteError(w, h.log, err)
		return
	}
	WriteJSON(w, h.log, http.StatusCreated, map[string]string{"id": id})
}

func (h *DraftsHandler) RemoveAttachment(w http.ResponseWriter, r *http.Request) {
	d, err := h.drafts.RemoveAttachment(r.Context(), r.PathValue("id"), r.PathValue("att"))
	h.respond(w, d, err)
}

type signatureRequest struct {
	Signature models.SignaturePolicy `json:"signature"`
}

// SetSignature accepts "none", "default" or "explicit:<id>".
func (h *DraftsHandler) SetSignature(w http.ResponseWriter, r *http.Request) {
	var body signatureRequest
	if err := decodeJSON(r, &body); err != nil {
		WriteError(w, h.log, err)
		return
	}
	d, err := h.drafts.SetSignature(r.Context(), r.PathValue("id"), body.Signature)
	h.respond(w, d, err)
}

type sendResponse struct {
	*send.Result
	Succeeded        []int    `json:"succeeded,omitempty"`
	Failed           []int    `json:"failed,omitempty"`
	FailedRecipients []string `json:"failed_recipients,omitempty"`
	Error            string   `json:"error,omitempty"`
}

// Send reports 200 on full delivery, 207 with the batch split on partial
// delivery and 502 when no batch went out.
func (h *DraftsHandler) Send(w http.ResponseWriter, r *http.Request) {
	result, err := h.drafts.Send(r.Context(), r.PathValue("id"))
	if result == nil {
		WriteError(w, h.log, err)
		return
	}

	resp := sendResponse{Result: result}
	status := http.StatusOK

	var partial *apperr.PartialDeliveryError
	switch {
	case err == nil:
	case errors.As(err, &partial):
		status = http.StatusMultiStatus
		resp.Succeeded = partial.Succeeded
		resp.Failed = partial.Failed
		resp.FailedRecipients = partial.FailedRecipients
		resp.Error = partial.Error()
	default:
		status = http.StatusBadGateway
		resp.FailedRecipients = result.FailedRecipients()
		resp.Error = err.Error()
	}
	WriteJSON(w, h.log, status, resp)
}

func (h *DraftsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.drafts.Cancel(r.Context(), r.PathValue("id")); err != nil {
		WriteError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DraftsHandler) respond(w http.ResponseWriter, d *models.Draft, err error) {
	if err != nil {
		WriteError(w, h.log, err)
		return
	}
	WriteJSON(w, h.log, http.StatusOK, newDraftResponse(d))
}
