package gateway

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/windlass/tradegate/bus"
)

// VerifyConfig bounds the fill verification loop.
type VerifyConfig struct {
	// Disabled skips verification entirely.
	Disabled bool
	// Delay is the wait before the first recheck.
	Delay time.Duration
	// Interval is the wait between rechecks.
	Interval time.Duration
	// MaxAttempts caps how many rechecks are spent on one order.
	MaxAttempts int
}

func (c VerifyConfig) withDefaults() VerifyConfig {
	if c.Delay <= 0 {
		c.Delay = 2 * time.Second
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 120
	}
	return c
}

// verifyFill follows an accepted order until its status is final, rounding
// recheck_order commands through the bus on an interval. The recheck handler
// reconciles the audit row as a side effect, so a fill that lands after the
// placing request returned still reaches the history. The loop is detached
// from that request: it stops on a final status, on exhausting its attempts,
// or when the server's context ends.
func (s *Server) verifyFill(orderID string, simulation bool) {
	if s.cfg.Verify.Disabled {
		return
	}
	var entry = log.WithFields(log.Fields{
		"order":      orderID,
		"simulation": simulation,
	})
	entry.Info("verifying order fill")

	var timer = time.NewTimer(s.cfg.Verify.Delay)
	defer timer.Stop()

	for attempt := 1; attempt <= s.cfg.Verify.MaxAttempts; attempt++ {
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
		}

		var result, err = s.recheck(orderID, simulation)
		switch {
		case err != nil:
			entry.WithFields(log.Fields{
				"err":     err,
				"attempt": attempt,
			}).Warn("order recheck failed")
		case result.Final:
			entry.WithFields(log.Fields{
				"status":       result.CurrentStatus,
				"fillQuantity": result.FillQuantity,
				"fillPrice":    result.FillPrice,
				"attempts":     attempt,
			}).Info("order reached final status")
			return
		default:
			entry.WithFields(log.Fields{
				"status":  result.CurrentStatus,
				"attempt": attempt,
			}).Debug("order still working")
		}
		timer.Reset(s.cfg.Verify.Interval)
	}
	entry.WithField("attempts", s.cfg.Verify.MaxAttempts).
		Warn("giving up on order fill verification")
}

func (s *Server) recheck(orderID string, simulation bool) (*bus.RecheckResult, error) {
	var req, err = bus.NewRequest(bus.RecheckOrder, &bus.OrderRef{OrderID: orderID}, simulation)
	if err != nil {
		return nil, err
	}
	requestID, err := s.bus.Submit(s.ctx, req)
	if err != nil {
		return nil, fmt.Errorf("submitting recheck: %w", err)
	}
	resp, err := s.bus.AwaitResponse(s.ctx, requestID, s.cfg.AwaitTimeout)
	if err != nil {
		return nil, fmt.Errorf("awaiting recheck reply: %w", err)
	}
	if resp.Status != bus.StatusOK {
		return nil, fmt.Errorf("recheck refused: %s", resp.Message)
	}
	var result = new(bus.RecheckResult)
	if err = resp.DecodeData(result); err != nil {
		return nil, err
	}
	return result, nil
}
