// Package verify gates acquired assets on a semantic relevance score.
package verify

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alvmarrod/image-weaver/internal/metrics"
)

// Verdict is the outcome of checking an image against its query
type Verdict struct {
	Accepted bool    `json:"accepted"`
	Score    float64 `json:"score"`
	Reason   string  `json:"reason,omitempty"`
	Err      string  `json:"error,omitempty"`
}

// Verifier scores how well an image matches a text query
type Verifier interface {
	Verify(ctx context.Context, imagePath, query string) (Verdict, error)
}

// Gate applies the acceptance policy on top of a Verifier. A nil Gate
// accepts everything.
type Gate struct {
	verifier      Verifier
	minScore      float64
	timeout       time.Duration
	acceptOnError bool
}

// NewGate creates a gate. timeout <= 0 means the caller's context bounds the call.
func NewGate(v Verifier, minScore float64, timeout time.Duration, acceptOnError bool) *Gate {
	return &Gate{
		verifier:      v,
		minScore:      minScore,
		timeout:       timeout,
		acceptOnError: acceptOnError,
	}
}

// Check verifies one image. It never returns an error: collaborator failures
// resolve to the configured acceptOnError policy.
func (g *Gate) Check(ctx context.Context, imagePath, query string) Verdict {
	if g == nil || g.verifier == nil {
		return Verdict{Accepted: true, Score: 1}
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	v, err := g.verifier.Verify(ctx, imagePath, query)
	if err != nil {
		metrics.VerificationsTotal.WithLabelValues("error").Inc()
		logrus.WithError(err).WithField("query", query).Warn("Verification failed")
		return Verdict{Accepted: g.acceptOnError, Err: err.Error()}
	}

	v.Accepted = v.Accepted && v.Score >= g.minScore
	if v.Accepted {
		metrics.VerificationsTotal.WithLabelValues("accepted").Inc()
	} else {
		metrics.VerificationsTotal.WithLabelValues("rejected").Inc()
		logrus.WithFields(logrus.Fields{
			"query":  query,
			"score":  v.Score,
			"reason": v.Reason,
		}).Debug("Verification rejected asset")
	}
	return v
}
