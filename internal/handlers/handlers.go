// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package handlers provides the task computations served by the worker.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/hemant/pollq"
	"github.com/spf13/cast"
)

// Task types handled by this package.
const (
	TypeFactorize = "factorize"
	TypeAsk       = "ask"
)

// MaxNumber is the largest number Factorize accepts.
const MaxNumber = 1 << 50

// Register registers every handler of this package on mux.
func Register(mux *pollq.ServeMux) {
	mux.HandleFunc(TypeFactorize, Factorize)
	mux.HandleFunc(TypeAsk, Ask)
}

// Factorization is the result of a factorize task.
type Factorization struct {
	Number           int64      `json:"number"`
	Factorization    [][2]int64 `json:"factorization"`
	FactorizationStr string     `json:"factorization_str"`
}

// Factorize computes the prime factorization of the "number" parameter.
// Numbers may be given as JSON integers or decimal strings.
func Factorize(ctx context.Context, t *pollq.Task) (interface{}, error) {
	params, err := decode(t.Params())
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, pollq.SkipRetry)
	}
	n, err := int64Param(params, "number")
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, pollq.SkipRetry)
	}
	if n < 2 || n > MaxNumber {
		return nil, fmt.Errorf("can only factorize integers in [2, %d], got %d: %w", int64(MaxNumber), n, pollq.SkipRetry)
	}
	factors, err := factorize(ctx, n)
	if err != nil {
		return nil, err
	}
	return &Factorization{
		Number:           n,
		Factorization:    factors,
		FactorizationStr: format(factors),
	}, nil
}

// factorize returns the (base, exponent) pairs of n by trial division, bases ascending.
func factorize(ctx context.Context, n int64) ([][2]int64, error) {
	factors := [][2]int64{}
	for b := int64(2); b*b <= n; b++ {
		if b&0xffff == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		var e int64
		for n%b == 0 {
			n /= b
			e++
		}
		if e > 0 {
			factors = append(factors, [2]int64{b, e})
		}
	}
	if n > 1 {
		factors = append(factors, [2]int64{n, 1})
	}
	return factors, nil
}

func format(factors [][2]int64) string {
	parts := make([]string, len(factors))
	for i, f := range factors {
		parts[i] = fmt.Sprintf("%d^%d", f[0], f[1])
	}
	return strings.Join(parts, " ")
}

// Answer is the result of an ask task.
type Answer struct {
	Answer     string  `json:"answer"`
	Confidence float64 `json:"confidence"`
}

// Ask answers the "question" parameter. The predictor is a placeholder that
// is always fully confident in the same answer.
func Ask(ctx context.Context, t *pollq.Task) (interface{}, error) {
	params, err := decode(t.Params())
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, pollq.SkipRetry)
	}
	q, err := cast.ToStringE(params["question"])
	if err != nil || strings.TrimSpace(q) == "" {
		return nil, fmt.Errorf("parameter \"question\" must be a non-empty string: %w", pollq.SkipRetry)
	}
	return &Answer{Answer: "Maybe.", Confidence: 1}, nil
}

func decode(data []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var params map[string]interface{}
	if err := dec.Decode(&params); err != nil {
		return nil, fmt.Errorf("cannot decode parameters: %v", err)
	}
	return params, nil
}

// decimalInteger matches base-10 integers with no leading zeros and no base prefix.
var decimalInteger = regexp.MustCompile(`^(0|-?[1-9][0-9]*)$`)

func int64Param(params map[string]interface{}, name string) (int64, error) {
	v, ok := params[name]
	if !ok {
		return 0, fmt.Errorf("missing parameter %q", name)
	}
	switch v := v.(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("parameter %q must be an integer: %v", name, err)
		}
		return n, nil
	case string:
		if !decimalInteger.MatchString(v) {
			return 0, fmt.Errorf("parameter %q must be a decimal integer, got %q", name, v)
		}
		n, err := cast.ToInt64E(v)
		if err != nil {
			return 0, fmt.Errorf("parameter %q must be an integer: %v", name, err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("parameter %q must be an integer, got %T", name, v)
}
