package send

import (
	"github.com/vdavid/vbridge/internal/identity"
	"github.com/vdavid/vbridge/internal/models"
)

// Batch splits the envelope recipients of one logical send. When the distinct
// recipient count fits in limit everything goes in one batch. Otherwise Bcc is
// chunked into groups of limit: batch 1 carries To, Cc and the first chunk,
// later batches only their chunk. limit bounds each Bcc chunk, not the
// envelope, so batch 1 holds up to limit+len(To+Cc) recipients; 1 To and 500
// Bcc at limit 100 is five sends. To and Cc are never split, even when they
// alone exceed limit.
func Batch(to, cc, bcc []string, limit int) [][]string {
	if limit <= 0 {
		limit = models.DefaultMaxRecipients
	}

	seen := make(map[string]bool)
	distinct := func(list []string) []string {
		var out []string
		for _, addr := range list {
			bare := identity.Bare(addr)
			if bare == "" || seen[bare] {
				continue
			}
			seen[bare] = true
			out = append(out, bare)
		}
		return out
	}

	visible := distinct(append(append([]string(nil), to...), cc...))
	hidden := distinct(bcc)

	if len(visible)+len(hidden) == 0 {
		return nil
	}
	if len(visible)+len(hidden) <= limit || len(hidden) == 0 {
		return [][]string{append(visible, hidden...)}
	}

	var batches [][]string
	for start := 0; start < len(hidden); start += limit {
		end := min(start+limit, len(hidden))
		chunk := append([]string(nil), hidden[start:end]...)
		if start == 0 {
			chunk = append(append([]string(nil), visible...), chunk...)
		}
		batches = append(batches, chunk)
	}
	return batches
}
