package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"pair.drop/config"
	"pair.drop/internal/keygen"
	"pair.drop/internal/models"
	"pair.drop/internal/session"
	"pair.drop/web"
)

// formOverhead is what the multipart envelope and small fields may add on
// top of the file itself.
const formOverhead = 64 << 10

var errFileTooLarge = errors.New("file too large")

// fileLimit fails a read with errFileTooLarge as soon as more than limit
// bytes have come through.
type fileLimit struct {
	r     io.Reader
	limit int64
	n     int64
}

func newFileLimit(r io.Reader, limit int64) *fileLimit {
	return &fileLimit{r: io.LimitReader(r, limit+1), limit: limit}
}

func (l *fileLimit) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.n += int64(n)
	if over := l.n - l.limit; over > 0 {
		return n - int(over), errFileTooLarge
	}
	return n, err
}

func (l *fileLimit) exceeded() bool { return l.n > l.limit }

type Handler struct {
	sessions *session.Service
	config   *config.Config
}

func NewHandler(svc *session.Service, cfg *config.Config) *Handler {
	return &Handler{
		sessions: svc,
		config:   cfg,
	}
}

type UploadResponse struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type HealthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	n, err := h.sessions.Count(r.Context())
	if err != nil {
		logrus.WithError(err).Error("Counting sessions")
		h.json(w, http.StatusServiceUnavailable, HealthResponse{Status: "degraded"})
		return
	}
	h.json(w, http.StatusOK, HealthResponse{Status: "ok", Sessions: n})
}

// Generate issues a key to the calling device and returns it as plain text.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	key, err := h.sessions.Issue(r.Context(), r.UserAgent())
	switch {
	case err == nil:
	case errors.Is(err, session.ErrForbidden):
		h.error(w, http.StatusForbidden, "only e-readers can generate keys")
		return
	case errors.Is(err, session.ErrKeyspaceExhausted):
		h.error(w, http.StatusServiceUnavailable, "no keys available, try again later")
		return
	default:
		logrus.WithError(err).Error("Issuing key")
		h.error(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	io.WriteString(w, key)
}

// Upload reads a multipart form with the fields key, kepubify and file,
// in that order, and streams the file straight into storage.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(h.config.Upload.MaxSize)+formOverhead)

	mr, err := r.MultipartReader()
	if err != nil {
		h.error(w, http.StatusBadRequest, "expected a multipart form")
		return
	}

	var (
		key     string
		convert bool
		ref     *models.FileRef
	)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			h.uploadError(w, key, err)
			return
		}

		switch part.FormName() {
		case "key":
			key, err = readField(part)
			key = keygen.Normalize(key)
		case "kepubify":
			var v string
			v, err = readField(part)
			convert = truthy(v)
		case "file":
			if ref != nil {
				break
			}
			if !h.sessions.ValidKey(key) {
				err = session.ErrUnknownSession
				break
			}
			body := newFileLimit(part, int64(h.config.Upload.MaxSize))
			ref, err = h.sessions.BindUpload(r.Context(), key, r.UserAgent(), session.Upload{
				Name: part.FileName(),
				Body: body,
			}, convert)
			// storage backends don't all wrap reader errors
			if err != nil && body.exceeded() {
				err = errFileTooLarge
			}
		}
		part.Close()
		if err != nil {
			h.uploadError(w, key, err)
			return
		}
	}

	if ref == nil {
		h.error(w, http.StatusBadRequest, session.ErrInvalidPayload.Error())
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		h.json(w, http.StatusOK, UploadResponse{Name: ref.Name, Size: ref.Size})
		return
	}
	back := r.Referer()
	if back == "" {
		back = "/"
	}
	http.Redirect(w, r, back, http.StatusSeeOther)
}

// Download streams the waiting file to the device that issued the key.
// Anything else gets an empty 404.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	key := keygen.Normalize(chi.URLParam(r, "key"))
	if !h.sessions.ValidKey(key) {
		http.NotFound(w, r)
		return
	}

	ref, ok := h.sessions.BindDownload(r.Context(), key, r.UserAgent())
	if !ok {
		http.NotFound(w, r)
		return
	}

	body, err := h.sessions.Open(r.Context(), ref)
	if err != nil {
		// replaced or released between lookup and open
		logrus.WithError(err).WithField("key", key).Warn("Opening file for download")
		http.NotFound(w, r)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/epub+zip")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": ref.Name}))
	w.Header().Set("Cache-Control", "no-store")

	if rs, ok := body.(io.ReadSeeker); ok {
		http.ServeContent(w, r, ref.Name, ref.UploadedAt, rs)
		return
	}
	if ref.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(ref.Size, 10))
	}
	if _, err := io.Copy(w, body); err != nil {
		logrus.WithError(err).WithField("key", key).Warn("Download interrupted")
	}
}

// Release drops the file attached to a key. The key stays valid.
func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	key := keygen.Normalize(chi.URLParam(r, "key"))
	if !h.sessions.ValidKey(key) {
		h.error(w, http.StatusBadRequest, "Unknown key")
		return
	}

	err := h.sessions.Release(r.Context(), key)
	switch {
	case err == nil:
		h.json(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, session.ErrUnknownSession):
		h.error(w, http.StatusBadRequest, "Unknown key")
	default:
		logrus.WithError(err).WithField("key", key).Error("Releasing file")
		h.error(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	key := keygen.Normalize(chi.URLParam(r, "key"))
	if !h.sessions.ValidKey(key) {
		h.error(w, http.StatusNotFound, "Unknown key")
		return
	}

	st, err := h.sessions.Status(r.Context(), key, r.UserAgent())
	switch {
	case err == nil:
		w.Header().Set("Cache-Control", "no-store")
		h.json(w, http.StatusOK, st)
	case errors.Is(err, session.ErrUnknownSession):
		h.error(w, http.StatusNotFound, "Unknown key")
	default:
		logrus.WithError(err).WithField("key", key).Error("Reading status")
		h.error(w, http.StatusInternalServerError, "internal error")
	}
}

// Index serves the receiving page to e-readers and the sending page to
// everything else.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	marker := h.config.Sessions.IssuerMarker
	if marker != "" && strings.Contains(r.UserAgent(), marker) {
		h.serveFile(w, "download.html")
		return
	}
	h.serveFile(w, "upload.html")
}

func (h *Handler) ReceivePage(w http.ResponseWriter, r *http.Request) {
	h.serveFile(w, "download.html")
}

func (h *Handler) Style(w http.ResponseWriter, r *http.Request) {
	h.serveFile(w, "style.css")
}

func (h *Handler) serveFile(w http.ResponseWriter, filename string) {
	content, err := web.GetFile(filename)
	if err != nil {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", web.ContentType(filename))
	w.Write(content)
}

func (h *Handler) uploadError(w http.ResponseWriter, key string, err error) {
	var tooBig *http.MaxBytesError
	switch {
	case errors.As(err, &tooBig), errors.Is(err, errFileTooLarge):
		h.error(w, http.StatusRequestEntityTooLarge, "file is larger than "+h.config.Upload.MaxSize.String())
	case errors.Is(err, session.ErrUnknownSession):
		h.error(w, http.StatusBadRequest, "Unknown key: "+key)
	case errors.Is(err, session.ErrInvalidPayload):
		h.error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrTranscodeFailed):
		logrus.WithError(err).WithField("key", key).Error("Converting upload")
		h.error(w, http.StatusInternalServerError, "conversion to kepub failed")
	default:
		logrus.WithError(err).WithField("key", key).Error("Receiving upload")
		h.error(w, http.StatusInternalServerError, "upload failed")
	}
}

func (h *Handler) json(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) error(w http.ResponseWriter, status int, message string) {
	h.json(w, status, ErrorResponse{Error: message})
}

func readField(r io.Reader) (string, error) {
	b, err := io.ReadAll(io.LimitReader(r, 256))
	return strings.TrimSpace(string(b)), err
}

// truthy accepts what an HTML checkbox or a script might send.
func truthy(v string) bool {
	switch strings.ToLower(v) {
	case "", "0", "false", "off", "no":
		return false
	}
	return true
}
