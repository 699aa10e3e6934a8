// Package notify implements the Notifier of spec.md section 4.5: given
// (scope, name, old_state, new_state, reason) it enqueues script
// invocations (fire-and-forget, bounded concurrency) and structured log
// events. Within a scope, notifications are strictly serialized; across
// scopes they are independent (spec.md section 4.5 / section 6).
package notify

import (
	"context"
	"os/exec"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Scope distinguishes instance-level from group-level transitions.
type Scope int

const (
	ScopeInstance Scope = iota
	ScopeGroup
)

func (s Scope) String() string {
	if s == ScopeGroup {
		return "group"
	}
	return "instance"
}

// Sink is the NotifySink boundary interface of spec.md section 6.
type Sink interface {
	Notify(ctx context.Context, scope Scope, name, from, to, reason string)
}

// Script is a single external command to run on a transition, resolved
// from configuration (e.g. a keepalived-style notify_master/notify_backup
// script path). The script is run with Args followed by scope, name,
// from, to in that order, matching the convention keepalived's notify
// scripts follow.
type Script struct {
	Path string
	Args []string
}

// Notifier is the production Sink: it logs every transition through
// logrus and, if scripts are configured for a scope, runs them as
// detached child processes with bounded total concurrency.
type Notifier struct {
	log *logrus.Entry

	scripts map[Scope][]Script

	sem *semaphore.Weighted

	mu     sync.Mutex
	queues map[string]chan func()
}

// New returns a Notifier logging through log, running at most
// maxConcurrent scripts at a time across all scopes.
func New(log *logrus.Entry, scripts map[Scope][]Script, maxConcurrent int64) *Notifier {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Notifier{
		log:     log,
		scripts: scripts,
		sem:     semaphore.NewWeighted(maxConcurrent),
		queues:  make(map[string]chan func()),
	}
}

// Notify logs the transition and, serialized per scope, runs any
// scripts configured for scope.
func (n *Notifier) Notify(ctx context.Context, scope Scope, name, from, to, reason string) {
	entry := n.log.WithFields(logrus.Fields{
		"scope": scope.String(),
		"name":  name,
		"from":  from,
		"to":    to,
	})
	if reason != "" {
		entry = entry.WithField("reason", reason)
	}
	entry.Info("vrrp transition")

	scripts := n.scripts[scope]
	if len(scripts) == 0 {
		return
	}
	n.queueFor(scope, name) <- func() { n.runScripts(ctx, scripts, scope, name, from, to) }
}

// queueFor returns (creating if needed) the serialization queue for
// scope, so notifications within one scope are dispatched in the order
// they were raised, while the instance and group scopes proceed
// independently. Scripts are started in that order and each runs as a
// detached child process.
func (n *Notifier) queueFor(scope Scope, name string) chan func() {
	key := scope.String()
	n.mu.Lock()
	defer n.mu.Unlock()
	q, ok := n.queues[key]
	if ok {
		return q
	}
	q = make(chan func(), 16)
	n.queues[key] = q
	go func() {
		for job := range q {
			job()
		}
	}()
	return q
}

func (n *Notifier) runScripts(ctx context.Context, scripts []Script, scope Scope, name, from, to string) {
	for _, s := range scripts {
		if err := n.sem.Acquire(ctx, 1); err != nil {
			return
		}
		args := append(append([]string{}, s.Args...), scope.String(), name, from, to)
		cmd := exec.CommandContext(ctx, s.Path, args...)
		if err := cmd.Start(); err != nil {
			n.log.WithError(err).WithField("script", s.Path).Warn("notify script failed to start")
			n.sem.Release(1)
			continue
		}
		go func(cmd *exec.Cmd) {
			defer n.sem.Release(1)
			if err := cmd.Wait(); err != nil {
				n.log.WithError(err).WithField("script", cmd.Path).Warn("notify script exited with error")
			}
		}(cmd)
	}
}

var _ Sink = (*Notifier)(nil)
