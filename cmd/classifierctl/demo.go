// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	classifier "github.com/gaissmai/flowclassifier"
	"github.com/gaissmai/flowclassifier/internal/golden"
)

// runDemo builds a classifier from numRules random rules, then runs one
// writer goroutine that churns a fraction of the rule set and several
// reader goroutines that hammer Lookup, until ctx is cancelled. It
// exercises the same single-writer/many-reader shape the reference
// library's cmd/ demo exercises against bart.Lite, retargeted at
// Classifier.Insert/Remove/Publish and Lookup.
func runDemo(ctx context.Context, log *zap.Logger, numRules, numReaders int, m *metrics) {
	prng := rand.New(rand.NewPCG(42, 42))

	c, err := classifier.New(nil)
	if err != nil {
		log.Fatal("failed to build classifier", zap.Error(err))
	}

	rules := make([]*classifier.Rule, 0, numRules)
	for i := 0; i < numRules; i++ {
		mm := golden.RandomMinimatch(prng)
		r := classifier.NewRule(int32(prng.IntN(1000)), mm, i, 0)
		if err := c.Insert(r, 0, nil); err == nil {
			rules = append(rules, r)
		}
	}
	log.Info("classifier populated", zap.Int("requested", numRules), zap.Int("installed", len(rules)))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		reportMetrics(ctx, log, c, m)
		return nil
	})

	g.Go(func() error {
		writerLoop(ctx, log, c, rules, rand.New(rand.NewPCG(1, 1)))
		return nil
	})

	for i := 0; i < numReaders; i++ {
		seed := uint64(100 + i)
		g.Go(func() error {
			readerLoop(ctx, c, rand.New(rand.NewPCG(seed, seed)), m)
			return nil
		})
	}

	_ = g.Wait()
}

func reportMetrics(ctx context.Context, log *zap.Logger, c *classifier.Classifier, m *metrics) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ruleCount.Set(float64(c.Count()))
			m.subtableCount.Set(float64(c.SubtableCount()))
			log.Info("classifier state", zap.Int("rules", c.Count()), zap.Int("subtables", c.SubtableCount()))
		}
	}
}

// writerLoop periodically removes and reinserts a slice of the live rule
// set, then publishes — the churn workload a real controller imposes as
// flow tables are reprogrammed.
func writerLoop(ctx context.Context, log *zap.Logger, c *classifier.Classifier, rules []*classifier.Rule, prng *rand.Rand) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	version := classifier.Version(1)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if len(rules) == 0 {
				continue
			}
			c.Defer()
			idx := prng.IntN(len(rules))
			victim := rules[idx]
			c.Remove(victim)

			mm := golden.RandomMinimatch(prng)
			replacement := classifier.NewRule(victim.Priority, mm, victim.Action, version)
			if err := c.Insert(replacement, version, nil); err != nil {
				log.Warn("churn insert failed", zap.Error(err))
			} else {
				rules[idx] = replacement
			}
			c.Publish()
			version++
		}
	}
}

func readerLoop(ctx context.Context, c *classifier.Classifier, prng *rand.Rand, m *metrics) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		probe := golden.RandomFlow(prng)
		start := time.Now()
		got, _ := c.Lookup(0, probe)
		m.lookupLatency.Observe(time.Since(start).Seconds())
		if got == nil {
			m.lookupMiss.Inc()
		}
		time.Sleep(time.Millisecond)
	}
}
