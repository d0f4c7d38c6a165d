package testframework

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultPollInterval is the interval WaitFor evaluates its predicate at.
const DefaultPollInterval = 100 * time.Millisecond

// WaitFunc returns just a bool value to check if
// the desired conditions are met.
type WaitFunc func() bool

// WaitFuncWithErr returns a bool value to check if
// the desired conditions are met. A non-nil error aborts the wait.
type WaitFuncWithErr func() (bool, error)

// WaitFor takes a WaitFunc and checks for true every
// 100ms.
func WaitFor(f WaitFunc, timeout time.Duration) error {
	return WaitForInterval(f, timeout, DefaultPollInterval)
}

// WaitForInterval evaluates f every interval until it returns true or the
// timeout elapses. The returned error wraps ErrTimeout.
func WaitForInterval(f WaitFunc, timeout, interval time.Duration) error {
	return WaitForWithErrInterval(func() (bool, error) {
		return f(), nil
	}, timeout, interval)
}

// WaitForWithErr takes a WaitFuncWithErr and checks for true every
// 100ms.
func WaitForWithErr(f WaitFuncWithErr, timeout time.Duration) error {
	return WaitForWithErrInterval(f, timeout, DefaultPollInterval)
}

func WaitForWithErrInterval(f WaitFuncWithErr, timeout, interval time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := f()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return timeoutErrorf("WaitFor reached timeout after %v", timeout)
		}
		if remaining < interval {
			time.Sleep(remaining)
			continue
		}
		time.Sleep(interval)
	}
}

// WaitForCtx evaluates f every interval until it returns true or ctx is done.
// A context deadline is reported as ErrTimeout.
func WaitForCtx(ctx context.Context, f WaitFunc, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if f() {
			return nil
		}
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return timeoutErrorf("WaitFor context deadline exceeded")
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func GetFreePort() (port int, err error) {
	var a *net.TCPAddr
	if a, err = net.ResolveTCPAddr("tcp", "localhost:0"); err == nil {
		var l *net.TCPListener
		if l, err = net.ListenTCP("tcp", a); err == nil {
			defer l.Close()
			return l.Addr().(*net.TCPAddr).Port, nil
		}
	}
	return
}

func GenerateRandomString(n int) (string, error) {
	const letters = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	ret := make([]byte, n)
	for i := 0; i < n; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(letters))))
		if err != nil {
			return "", err
		}
		ret[i] = letters[num.Int64()]
	}

	return string(ret), nil
}

type IdGetter interface {
	NextId() int
}

type IntIdGetter struct {
	sync.Mutex
	nextId int
}

func (i *IntIdGetter) NextId() int {
	i.Lock()
	defer i.Unlock()
	i.nextId++
	return i.nextId
}

// SplitLnAddr splits a "pubkey@host:port" address.
func SplitLnAddr(addr string) (string, string, int, error) {
	parts := strings.Split(addr, "@")
	if len(parts) != 2 {
		return "", "", 0, fmt.Errorf("can not split addr `@` %s", addr)
	}
	host, portStr, err := net.SplitHostPort(parts[1])
	if err != nil {
		return "", "", 0, fmt.Errorf("can not split addr `:` %s", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", "", 0, fmt.Errorf("Atoi() %w", err)
	}
	return parts[0], host, port, nil
}
