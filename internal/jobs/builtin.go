package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"time"
)

// Ledger types of the built-in kinds.
const (
	TypeNoop  = 1
	TypeSleep = 2
	TypeHash  = 3
)

const maxHashRounds = 10_000_000

func buildNoop(params json.RawMessage) (Runner, error) {
	var p struct{}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return func(context.Context) error { return nil }, nil
}

type sleepParams struct {
	Duration string `json:"duration"`
}

func buildSleep(params json.RawMessage) (Runner, error) {
	var p sleepParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	d, err := time.ParseDuration(p.Duration)
	if err != nil {
		return nil, err
	}
	if d < 0 {
		return nil, errors.New("duration must be >= 0")
	}
	return func(ctx context.Context) error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, nil
}

type hashParams struct {
	Rounds int    `json:"rounds"`
	Seed   string `json:"seed"`
}

// buildHash returns CPU-bound work: sha256 iterated Rounds times.
func buildHash(params json.RawMessage) (Runner, error) {
	p := hashParams{Rounds: 1000}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Rounds <= 0 || p.Rounds > maxHashRounds {
		return nil, errors.New("rounds must be in 1..10000000")
	}
	return func(context.Context) error {
		sum := sha256.Sum256([]byte(p.Seed))
		for i := 1; i < p.Rounds; i++ {
			sum = sha256.Sum256(sum[:])
		}
		return nil
	}, nil
}

// HashParams builds params for a hash job.
func HashParams(rounds int, seed string) json.RawMessage {
	b, _ := json.Marshal(hashParams{Rounds: rounds, Seed: seed})
	return b
}
