package shared

import (
	"net/rpc"
	"time"

	"github.com/caleberi/hermes-dfs/common"
	"github.com/rs/zerolog/log"
)

type RetryConfig struct {
	MaxRetries int
	RetryDelay time.Duration
	OpTimeout  time.Duration
}

var DefaultRetryConfig = RetryConfig{
	MaxRetries: 3,
	RetryDelay: 500 * time.Millisecond,
	OpTimeout:  30 * time.Second,
}

func calculateBackoff(attempt int, baseDelay time.Duration) time.Duration {
	delay := baseDelay * (1 << attempt) // Exponential: 500ms, 1s, 2s, 4s
	maxDelay := 5 * time.Second
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// callWithTimeout issues one RPC and bounds it with the configured op
// timeout. The timer path surfaces StatusTimeout so callers can
// distinguish an expired op from a transport failure.
func callWithTimeout[T, V any](client *rpc.Client, method string, args T, reply V, timeout time.Duration) error {
	if timeout <= 0 {
		return client.Call(method, args, reply)
	}
	call := client.Go(method, args, reply, make(chan *rpc.Call, 1))
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case done := <-call.Done:
		return done.Error
	case <-timer.C:
		return common.NewError(common.StatusTimeout,
			"rpc %s timed out after %v", method, timeout)
	}
}

// UnicastToRPCServer sends an RPC request to a single server with
// automatic retries and exponential backoff. A fresh connection is
// dialed per attempt; long-lived sessions go through RemoteSync.
func UnicastToRPCServer[T, V any](addr string, method string, args T, reply V, config RetryConfig) error {
	var err error
	for attempt := 1; attempt <= config.MaxRetries; attempt++ {
		client, dialErr := rpc.Dial("tcp", addr)
		if dialErr != nil {
			if attempt == config.MaxRetries {
				return common.NewError(common.StatusHostUnreachable,
					"dial %s: %v", addr, dialErr)
			}
			time.Sleep(calculateBackoff(attempt, config.RetryDelay))
			continue
		}

		err = callWithTimeout(client, method, args, reply, config.OpTimeout)
		client.Close()

		if err == nil {
			return nil
		}
		if attempt < config.MaxRetries {
			time.Sleep(calculateBackoff(attempt, config.RetryDelay))
		}
		log.Warn().
			Int("attempt", attempt).
			Str("addr", addr).
			Str("method", method).
			Err(err).
			Msgf("RPC attempt failed")
	}
	return err
}
