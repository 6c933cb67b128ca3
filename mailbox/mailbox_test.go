// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mailbox

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/bigimage"
)

func result(sender, seq int) bigimage.Result {
	task := bigimage.Task{Image: fmt.Sprintf("%d-%d.png", sender, seq), Operation: "grayscale"}
	r := bigimage.Succeeded(task, nil)
	r.Node = fmt.Sprint(sender)
	return r
}

// TestLocalPerSenderOrder checks that results from concurrent
// senders all arrive, and that each sender's results arrive in the
// order sent.
func TestLocalPerSenderOrder(t *testing.T) {
	const (
		senders = 10
		N       = 200
	)
	var (
		m   = NewLocal()
		ctx = context.Background()
		wg  sync.WaitGroup
	)
	wg.Add(senders)
	for i := 0; i < senders; i++ {
		go func(sender int) {
			defer wg.Done()
			for seq := 0; seq < N; seq++ {
				if err := m.Send(ctx, result(sender, seq)); err != nil {
					t.Error(err)
					return
				}
			}
		}(i)
	}
	next := make(map[string]int)
	for i := 0; i < senders*N; i++ {
		r, err := m.Receive(ctx)
		if err != nil {
			t.Fatal(err)
		}
		var sender, seq int
		if _, err := fmt.Sscanf(r.Task.Image, "%d-%d.png", &sender, &seq); err != nil {
			t.Fatal(err)
		}
		if got, want := seq, next[r.Node]; got != want {
			t.Errorf("sender %s: got %v, want %v", r.Node, got, want)
		}
		next[r.Node] = seq + 1
	}
	wg.Wait()
	if got, want := m.Len(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestLocalReceiveTimeout(t *testing.T) {
	m := NewLocal()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := m.Receive(ctx); err != context.DeadlineExceeded {
		t.Errorf("got %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestLocalClose(t *testing.T) {
	var (
		m   = NewLocal()
		ctx = context.Background()
	)
	if err := m.Send(ctx, result(0, 0)); err != nil {
		t.Fatal(err)
	}
	m.Close()
	m.Close()
	if got, want := m.Send(ctx, result(0, 1)), ErrClosed; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	r, err := m.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := r.Key(), result(0, 0).Key(); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err := m.Receive(ctx); err != ErrClosed {
		t.Errorf("got %v, want %v", err, ErrClosed)
	}
}

func TestLocalCloseWakesReceiver(t *testing.T) {
	m := NewLocal()
	errc := make(chan error)
	go func() {
		_, err := m.Receive(context.Background())
		errc <- err
	}()
	time.Sleep(5 * time.Millisecond)
	m.Close()
	if got, want := <-errc, ErrClosed; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestLocalDrain(t *testing.T) {
	var (
		m   = NewLocal()
		ctx = context.Background()
	)
	if got := m.Drain(10); len(got) != 0 {
		t.Errorf("got %v, want none", got)
	}
	for seq := 0; seq < 5; seq++ {
		if err := m.Send(ctx, result(0, seq)); err != nil {
			t.Fatal(err)
		}
	}
	got := m.Drain(3)
	if len(got) != 3 {
		t.Fatalf("got %d results, want 3", len(got))
	}
	for i, r := range got {
		if want := result(0, i).Key(); r.Key() != want {
			t.Errorf("got %v, want %v", r.Key(), want)
		}
	}
	if got, want := m.Len(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
