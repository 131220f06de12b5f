package tracking

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/audience-pipeline/internal/domain"
	"github.com/ignite/audience-pipeline/internal/pkg/logger"
)

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b,
}

// Links builds and verifies signed open and click tracking URLs.
type Links struct {
	baseURL string
	secret  []byte
}

func NewLinks(baseURL, secret string) *Links {
	return &Links{baseURL: strings.TrimRight(baseURL, "/"), secret: []byte(secret)}
}

func (l *Links) sign(data string) string {
	mac := hmac.New(sha256.New, l.secret)
	mac.Write([]byte(data))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)[:16])
}

func (l *Links) verify(data, sig string) bool {
	return hmac.Equal([]byte(l.sign(data)), []byte(sig))
}

// OpenURL returns the pixel URL for a record.
func (l *Links) OpenURL(recordID string) string {
	data := base64.RawURLEncoding.EncodeToString([]byte(recordID))
	return l.baseURL + "/track/open/" + data + "/" + l.sign(data)
}

// ClickURL returns a redirecting URL that reports a click on target.
func (l *Links) ClickURL(recordID, target string) string {
	data := base64.RawURLEncoding.EncodeToString([]byte(recordID + "|" + target))
	return l.baseURL + "/track/click/" + data + "/" + l.sign(data)
}

// EventPublisher queues delivery events without blocking the caller.
type EventPublisher interface {
	PublishAsync(ev domain.DeliveryEvent)
}

// Handler serves the open pixel and click redirects.
type Handler struct {
	pub   EventPublisher
	links *Links
	now   func() time.Time
}

func NewHandler(pub EventPublisher, links *Links) *Handler {
	return &Handler{pub: pub, links: links, now: time.Now}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/track/open/{data}/{sig}", h.HandleOpen)
	r.Get("/track/click/{data}/{sig}", h.HandleClick)
	return r
}

func (h *Handler) decode(r *http.Request) (string, bool) {
	data, sig := chi.URLParam(r, "data"), chi.URLParam(r, "sig")
	if !h.links.verify(data, sig) {
		return "", false
	}
	decoded, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		return "", false
	}
	return string(decoded), true
}

// HandleOpen always serves the pixel; bad links are not reported.
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	if recordID, ok := h.decode(r); ok && recordID != "" {
		h.pub.PublishAsync(domain.DeliveryEvent{RecordID: recordID, Status: domain.DeliveryOpened, Timestamp: h.now().UTC()})
		logger.Debug("open tracked", "record_id", recordID)
	}
	h.servePixel(w)
}

func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.decode(r)
	if !ok {
		http.Error(w, "bad link", http.StatusBadRequest)
		return
	}
	recordID, target, found := strings.Cut(payload, "|")
	u, err := url.Parse(target)
	if !found || recordID == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		http.Error(w, "bad link", http.StatusBadRequest)
		return
	}

	h.pub.PublishAsync(domain.DeliveryEvent{RecordID: recordID, Status: domain.DeliveryClicked, Timestamp: h.now().UTC()})
	logger.Debug("click tracked", "record_id", recordID, "url", target)
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Write(pixelGIF)
}
