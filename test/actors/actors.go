package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskpay/escrow"
	"taskpay/fnb"
	"taskpay/payout"
	"taskpay/runner"
)

// Env bundles what every actor needs: the shared pool for discovery queries
// and the engine whose invariants are under attack.
type Env struct {
	Pool   *pgxpool.Pool
	Engine *payout.Service

	AdminID  string
	ClientID string
}

// expected filters the engine errors contention legitimately produces.
func expected(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, escrow.ErrDuplicatePaymentRef),
		errors.Is(err, escrow.ErrDuplicateReference),
		errors.Is(err, escrow.ErrPayoutInFlight),
		errors.Is(err, payout.ErrNotHeld),
		errors.Is(err, payout.ErrNotPending),
		errors.Is(err, payout.ErrNotReleased),
		errors.Is(err, payout.ErrNotRefundable),
		errors.Is(err, payout.ErrNotDisputed),
		errors.Is(err, payout.ErrNoInstruction),
		errors.Is(err, payout.ErrRetryExhausted),
		errors.Is(err, runner.ErrNoDestination),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	// infrastructure flakiness injected by chaos
	return fnb.IsAPIError(err) || isConnErr(err)
}

func isConnErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	for _, frag := range []string{"conn closed", "connection reset", "terminating connection", "unexpected EOF", "broken pipe", "failed to connect"} {
		if strings.Contains(s, frag) {
			return true
		}
	}
	return false
}

func pickEscrow(ctx context.Context, pool *pgxpool.Pool, where string) (string, bool) {
	var id string
	err := pool.QueryRow(ctx, `SELECT id FROM escrows WHERE `+where+` ORDER BY random() LIMIT 1`).Scan(&id)
	if err != nil {
		return "", false
	}
	return id, true
}

func pickPendingEscrow(ctx context.Context, pool *pgxpool.Pool) (id, paymentRef string, ok bool) {
	err := pool.QueryRow(ctx, `SELECT id, payment_ref FROM escrows WHERE status='pending' AND payment_status='pending' ORDER BY random() LIMIT 1`).Scan(&id, &paymentRef)
	if err != nil {
		return "", "", false
	}
	return id, paymentRef, true
}

// Funder creates escrows against the seeded task, reusing a fixed payment
// reference part of the time so duplicate funding events fight the unique
// constraint.
func Funder(ctx context.Context, env Env, taskID, clientID, runnerID string, stop <-chan struct{}) error {
	var n atomic.Int64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}
		ref := fmt.Sprintf("pay-%s-dup", taskID)
		if rand.Intn(3) > 0 {
			ref = fmt.Sprintf("pay-%s-%d-%d", taskID, n.Add(1), rand.Int63())
		}
		_, err := env.Engine.CreateEscrow(ctx, payout.CreateEscrowParams{
			TaskID:        taskID,
			ClientID:      clientID,
			RunnerID:      runnerID,
			TaskPrice:     float64(100 + rand.Intn(900)),
			Currency:      "ZAR",
			PaymentRef:    ref,
			PaymentMethod: "card",
			DistanceKm:    float64(rand.Intn(20)),
			WeightKg:      float64(rand.Intn(15)),
			IsPeak:        rand.Intn(2) == 0,
			IsUrgent:      rand.Intn(4) == 0,
		})
		if !expected(err) {
			return fmt.Errorf("funder: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Settler confirms inbound payments on pending escrows.
func Settler(ctx context.Context, env Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}
		if id, ref, ok := pickPendingEscrow(ctx, env.Pool); ok {
			if _, err := env.Engine.MarkPaymentSettled(ctx, id, ref); !expected(err) {
				return fmt.Errorf("settler: %w", err)
			}
		}
		time.Sleep(time.Duration(15+rand.Intn(30)) * time.Millisecond)
	}
}

// Releaser authorizes payouts on held escrows, racing the Refunder for the
// same rows.
func Releaser(ctx context.Context, env Env, stop <-chan struct{}) error {
	reasons := []escrow.ReleaseReason{escrow.ReleaseTaskCompleted, escrow.ReleaseReviewExpired, escrow.ReleaseManual}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}
		if id, ok := pickEscrow(ctx, env.Pool, `status='held'`); ok {
			reason := reasons[rand.Intn(len(reasons))]
			if _, err := env.Engine.ReleaseEscrow(ctx, id, reason, env.AdminID); !expected(err) {
				return fmt.Errorf("releaser: %w", err)
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Refunder cancels held escrows, racing the Releaser.
func Refunder(ctx context.Context, env Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}
		if id, ok := pickEscrow(ctx, env.Pool, `status IN ('pending','held')`); ok {
			if _, err := env.Engine.RefundEscrow(ctx, id, "stress cancel", env.AdminID); !expected(err) {
				return fmt.Errorf("refunder: %w", err)
			}
		}
		time.Sleep(time.Duration(30+rand.Intn(60)) * time.Millisecond)
	}
}

// Initiator submits payout instructions for released escrows. Several
// initiators target the same rows, so most attempts must lose the claim.
func Initiator(ctx context.Context, env Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}
		if id, ok := pickEscrow(ctx, env.Pool, `status='released' AND fnb_status IN ('pending','failed','rejected')`); ok {
			if _, err := env.Engine.InitiatePayout(ctx, id, env.AdminID); !expected(err) {
				return fmt.Errorf("initiator: %w", err)
			}
		}
		time.Sleep(time.Duration(15+rand.Intn(30)) * time.Millisecond)
	}
}

// Poller drives in-flight instructions to their rail outcome.
func Poller(ctx context.Context, env Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}
		if id, ok := pickEscrow(ctx, env.Pool, `instruction_id IS NOT NULL AND fnb_status IN ('submitted','processing')`); ok {
			if _, err := env.Engine.PollPayoutStatus(ctx, id, env.AdminID); !expected(err) {
				return fmt.Errorf("poller: %w", err)
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Disputer freezes held escrows and resolves them a beat later.
func Disputer(ctx context.Context, env Env, stop <-chan struct{}) error {
	resolutions := []payout.DisputeResolution{payout.ResolutionDismiss, payout.ResolutionRelease, payout.ResolutionRefund}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}
		if id, ok := pickEscrow(ctx, env.Pool, `status='held'`); ok {
			disputeID := uuid.NewString()
			if _, err := env.Engine.OpenDispute(ctx, id, disputeID, "stress dispute", env.ClientID); err != nil {
				if !expected(err) {
					return fmt.Errorf("disputer open: %w", err)
				}
				continue
			}
			time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
			res := resolutions[rand.Intn(len(resolutions))]
			if _, err := env.Engine.ResolveDispute(ctx, id, disputeID, res, env.AdminID); !expected(err) {
				return fmt.Errorf("disputer resolve: %w", err)
			}
		}
		time.Sleep(time.Duration(100+rand.Intn(100)) * time.Millisecond)
	}
}

// FlakyRail is an in-memory rail whose instructions progress randomly, with
// a cut of submissions and polls failing outright.
type FlakyRail struct {
	seq    atomic.Int64
	mu     sync.Mutex
	states map[string]*railInstr
}

type railInstr struct {
	polls int
	done  fnb.State
}

func NewFlakyRail() *FlakyRail {
	return &FlakyRail{states: make(map[string]*railInstr)}
}

func (r *FlakyRail) CreateEFTPayment(ctx context.Context, p fnb.EFTPayment) (fnb.Instruction, error) {
	if rand.Intn(10) == 0 {
		return fnb.Instruction{}, &fnb.APIError{StatusCode: 502, Code: "EFT-500", Message: "simulated gateway outage"}
	}
	id := fmt.Sprintf("FNB-%d", r.seq.Add(1))
	final := fnb.StateSuccess
	if rand.Intn(4) == 0 {
		final = fnb.StateFailed
	} else if rand.Intn(10) == 0 {
		final = fnb.StateRejected
	}
	r.mu.Lock()
	r.states[id] = &railInstr{done: final}
	r.mu.Unlock()
	return fnb.Instruction{ID: id, State: fnb.StateSubmitted}, nil
}

func (r *FlakyRail) GetPaymentStatus(ctx context.Context, instructionID string) (fnb.PaymentStatus, error) {
	if rand.Intn(12) == 0 {
		return fnb.PaymentStatus{}, &fnb.APIError{StatusCode: 504, Code: "EFT-504", Message: "simulated poll timeout"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	instr, ok := r.states[instructionID]
	if !ok {
		return fnb.PaymentStatus{}, &fnb.APIError{StatusCode: 404, Code: "EFT-404", Message: "unknown instruction"}
	}
	instr.polls++
	if instr.polls < 2 {
		return fnb.PaymentStatus{State: fnb.StateProcessing}, nil
	}
	status := fnb.PaymentStatus{State: instr.done}
	if instr.done == fnb.StateFailed || instr.done == fnb.StateRejected {
		status.FailureReason = "simulated rail failure"
	}
	return status, nil
}
