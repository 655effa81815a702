package live

import (
	"encoding/json"
	"time"
)

// ChangesContentType is the media type of a changes body.
const ChangesContentType = "application/json"

type changeDoc struct {
	Checkpoint string    `json:"checkpoint"`
	Data       string    `json:"data"`
	CreatedAt  time.Time `json:"created_at"`
}

// ChangesBody renders a run of changes as the JSON array sent to changes
// consumers, oldest first. An empty run renders as "[]".
func ChangesBody(changes []Change) []byte {
	docs := make([]changeDoc, 0, len(changes))
	for _, c := range changes {
		docs = append(docs, changeDoc{Checkpoint: c.Checkpoint, Data: string(c.Payload), CreatedAt: c.CreatedAt.UTC()})
	}
	b, _ := json.Marshal(docs)
	return b
}

// ParseChangesBody is the inverse of ChangesBody.
func ParseChangesBody(b []byte) ([]Change, error) {
	var docs []changeDoc
	if err := json.Unmarshal(b, &docs); err != nil {
		return nil, err
	}
	out := make([]Change, 0, len(docs))
	for _, d := range docs {
		out = append(out, Change{Checkpoint: d.Checkpoint, Payload: []byte(d.Data), CreatedAt: d.CreatedAt})
	}
	return out, nil
}
