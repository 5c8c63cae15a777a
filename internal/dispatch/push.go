package dispatch

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"
)

// PushNotifier posts offers to the external push-notification dispatcher for
// drivers whose live connection could not be reached.
type PushNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushNotifier(endpoint, key string) *PushNotifier {
	return &PushNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushNotifier) Notify(driverID string, payload any) error {
	body := map[string]any{"message": map[string]any{"token": driverID, "data": payload}}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
