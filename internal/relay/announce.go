package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Announcer pushes this relay's address, key and load to the directory admin API.
type Announcer struct {
	ServerURL string
	Token     string
	Name      string
	Addr      string
	// PubKey PKIX DER.
	PubKey []byte
	Client *http.Client
}

// Announce sends one heartbeat to POST /api/relays/announce.
func (a *Announcer) Announce(ctx context.Context, activePairs int) error {
	raw, err := json.Marshal(map[string]interface{}{
		"name":         a.Name,
		"addr":         a.Addr,
		"pub_key":      a.PubKey,
		"active_pairs": activePairs,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.ServerURL+"/api/relays/announce", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.Token)
	req.Header.Set("Content-Type", "application/json")
	client := a.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return errStatus(resp.StatusCode)
	}
	return nil
}

// Run announces now and then every interval until ctx ends. load reports the
// current pair count.
func (a *Announcer) Run(ctx context.Context, interval time.Duration, load func() int) {
	log := logrus.WithFields(logrus.Fields{"component": "relay", "announce": a.ServerURL})
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if err := a.Announce(ctx, load()); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("announce failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

type errStatus int

func (e errStatus) Error() string {
	return fmt.Sprintf("directory returned %d", e)
}
