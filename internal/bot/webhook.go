package bot

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/mymmrac/telego"
	"github.com/rs/zerolog/log"
)

const (
	secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"
	maxUpdateBytes    = 1 << 20
)

// UpdateReceiver accepts Telegram webhook pushes and feeds them to the
// handler as an update channel.
type UpdateReceiver struct {
	secret  string
	updates chan telego.Update

	mu     sync.RWMutex
	closed bool
}

func NewUpdateReceiver(secret string, buffer int) *UpdateReceiver {
	return &UpdateReceiver{secret: secret, updates: make(chan telego.Update, buffer)}
}

func (u *UpdateReceiver) Updates() <-chan telego.Update {
	return u.updates
}

// Close stops accepting pushes and closes the update channel.
func (u *UpdateReceiver) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.closed {
		u.closed = true
		close(u.updates)
	}
}

func (u *UpdateReceiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if u.secret != "" {
		got := r.Header.Get(secretTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(u.secret)) != 1 {
			log.Warn().Str("remote", r.RemoteAddr).Msg("Telegram push with wrong secret token")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}

	var update telego.Update
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUpdateBytes)).Decode(&update); err != nil {
		log.Warn().Err(err).Msg("Invalid Telegram update payload")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.closed {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	select {
	case u.updates <- update:
		w.WriteHeader(http.StatusOK)
	case <-r.Context().Done():
		w.WriteHeader(http.StatusServiceUnavailable)
	}
}
