package store

import (
    "crypto/sha256"
    "encoding/hex"
    "encoding/json"
)

// CallbackDelivery is one queued POST of a job event to its callback URL.
type CallbackDelivery struct {
    ID        string
    TenantID  string
    JobID     string
    EventType string
    URL       string
    Secret    string
    Payload   []byte
    Status    string
    Attempts  int
}

// computeDedupKey uses the payload id, else a short hash of the payload.
func computeDedupKey(payload []byte) string {
    var m map[string]any
    if json.Unmarshal(payload, &m) == nil {
        if v, ok := m["id"].(string); ok && v != "" {
            return v
        }
    }
    sum := sha256.Sum256(payload)
    return hex.EncodeToString(sum[:8])
}
