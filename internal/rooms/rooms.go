// Package rooms indexes live connections under named topics. It knows
// nothing about the transport: a Member is anything that can take a framed
// message and be closed.
package rooms

import (
	"sync"
	"sync/atomic"
)

type Topic string

func UserTopic(userID string) Topic                { return Topic("user:" + userID) }
func InstanceTopic(instanceID string) Topic        { return Topic("instance:" + instanceID) }
func AccountUsersTopic(accountID string) Topic     { return Topic("account:users:" + accountID) }
func AccountInstancesTopic(accountID string) Topic { return Topic("account:instances:" + accountID) }

type Member interface {
	Write(message []byte) error
	Close() error
}

// Directory is a multi-valued index topic -> members. Join order is kept so
// that Latest can pick the newest member for addressed delivery.
type Directory struct {
	mu      sync.RWMutex
	seq     uint64
	members map[Topic]map[Member]uint64
	topics  map[Member]map[Topic]struct{}
}

func New() *Directory {
	return &Directory{
		members: make(map[Topic]map[Member]uint64),
		topics:  make(map[Member]map[Topic]struct{}),
	}
}

func (d *Directory) Join(m Member, topics ...Topic) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, t := range topics {
		if t == "" {
			continue
		}
		set := d.members[t]
		if set == nil {
			set = make(map[Member]uint64)
			d.members[t] = set
		}
		d.seq++
		set[m] = d.seq

		mt := d.topics[m]
		if mt == nil {
			mt = make(map[Topic]struct{})
			d.topics[m] = mt
		}
		mt[t] = struct{}{}
	}
}

// LeaveAll removes m from every topic and returns the topics it was in.
func (d *Directory) LeaveAll(m Member) []Topic {
	d.mu.Lock()
	defer d.mu.Unlock()

	mt := d.topics[m]
	if mt == nil {
		return nil
	}
	left := make([]Topic, 0, len(mt))
	for t := range mt {
		left = append(left, t)
		set := d.members[t]
		delete(set, m)
		if len(set) == 0 {
			delete(d.members, t)
		}
	}
	delete(d.topics, m)
	return left
}

func (d *Directory) Members(t Topic) []Member {
	d.mu.RLock()
	defer d.mu.RUnlock()

	set := d.members[t]
	result := make([]Member, 0, len(set))
	for m := range set {
		result = append(result, m)
	}
	return result
}

// Latest returns the most recently joined member of t. A second connection
// for the same instance supersedes the first for routing without closing it.
func (d *Directory) Latest(t Topic) (Member, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var best Member
	var bestSeq uint64
	for m, seq := range d.members[t] {
		if best == nil || seq > bestSeq {
			best, bestSeq = m, seq
		}
	}
	return best, best != nil
}

func (d *Directory) Count(t Topic) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.members[t])
}

// Publish writes message to every member of t and returns how many writes
// succeeded. Members are written concurrently so one stalled socket does not
// hold up the rest. Members whose write fails are closed and removed.
func (d *Directory) Publish(t Topic, message []byte) int {
	members := d.Members(t)
	if len(members) == 1 {
		if err := members[0].Write(message); err != nil {
			d.LeaveAll(members[0])
			_ = members[0].Close()
			return 0
		}
		return 1
	}

	var (
		wg        sync.WaitGroup
		delivered atomic.Int32
	)
	for _, m := range members {
		wg.Add(1)
		go func(m Member) {
			defer wg.Done()
			if err := m.Write(message); err != nil {
				d.LeaveAll(m)
				_ = m.Close()
				return
			}
			delivered.Add(1)
		}(m)
	}
	wg.Wait()
	return int(delivered.Load())
}
