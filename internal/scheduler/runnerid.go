package scheduler

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"time"
)

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewRunnerID returns "<unix-ms base36>-<6 random base36 chars>". The time
// prefix keeps ids roughly sortable; the suffix keeps concurrently started
// runners apart.
func NewRunnerID() string {
	suffix := make([]byte, 6)
	max := big.NewInt(int64(len(base36)))
	for i := range suffix {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand does not fail on supported platforms; fall back to the clock.
			n = big.NewInt(time.Now().UnixNano() % int64(len(base36)))
		}
		suffix[i] = base36[n.Int64()]
	}
	return strconv.FormatInt(time.Now().UnixMilli(), 36) + "-" + string(suffix)
}
