// Copyright 2015 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build unix

package watchdog

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"
)

// gone reports whether no process with pid exists any more.
func gone(pid int) bool {
	return unix.Kill(pid, 0) == unix.ESRCH
}

func WithInstance(t *testing.T, id string, fn func(inst *Instance)) func() {
	return func() {
		inst := NewInstance(id, PlainSpawner{}, zaptest.NewLogger(t), NewMetrics(), nil)
		So(inst, ShouldNotBeNil)
		Reset(func() {
			inst.Destroy()
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			inst.Wait(ctx)
		})
		fn(inst)
	}
}

func waitState(inst *Instance, st State) bool {
	return waitFor(10*time.Second, func() bool { return inst.State() == st })
}

func TestInstanceIdle(t *testing.T) {
	Convey("An instance that was never started", t,
		WithInstance(t, "idle", func(inst *Instance) {
			So(inst.State(), ShouldEqual, StateInactive)
			So(inst.Pid(), ShouldEqual, 0)

			Convey("Stop and kill do nothing", func() {
				So(inst.Stop(), ShouldBeNil)
				inst.Kill()
				So(inst.State(), ShouldEqual, StateInactive)
				So(inst.StartCount(), ShouldEqual, 0)
			})

			Convey("Destroy is final", func() {
				inst.Destroy()
				So(inst.State(), ShouldEqual, StateDestroyed)
				So(inst.Start(helperConfig("idle", modeServe)), ShouldEqual, ErrDestroyed)
			})
		}))
}

func TestInstanceSingleOwner(t *testing.T) {
	Convey("Concurrent starts produce one owner", t,
		WithInstance(t, "owner", func(inst *Instance) {
			cfg := helperConfig("owner", modeServe)
			var wg sync.WaitGroup
			var ok, busy atomic.Int32
			for n := 0; n < 16; n++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					switch inst.Start(cfg) {
					case nil:
						ok.Add(1)
					case ErrAlreadyRunning:
						busy.Add(1)
					}
				}()
			}
			wg.Wait()
			So(ok.Load(), ShouldEqual, 1)
			So(busy.Load(), ShouldEqual, 15)
			So(inst.StartCount(), ShouldEqual, 1)
			So(waitState(inst, StateActive), ShouldBeTrue)
			So(inst.Pid(), ShouldBeGreaterThan, 0)
		}))
}

func TestInstanceStop(t *testing.T) {
	Convey("Stopping an active instance", t,
		WithInstance(t, "stopper", func(inst *Instance) {
			So(inst.Start(helperConfig("stopper", modeServe)), ShouldBeNil)
			So(waitState(inst, StateActive), ShouldBeTrue)

			So(inst.Stop(), ShouldBeNil)
			So(inst.State(), ShouldEqual, StateInactive)
			So(inst.Status().LastExit, ShouldEqual, "normal exit")
			So(inst.Pid(), ShouldEqual, 0)

			Convey("It can be started again", func() {
				So(inst.Start(helperConfig("stopper", modeServe)), ShouldBeNil)
				So(inst.StartCount(), ShouldEqual, 2)
				So(waitState(inst, StateActive), ShouldBeTrue)
			})
		}))

	Convey("A child that ignores shutdown", t,
		WithInstance(t, "stubborn", func(inst *Instance) {
			cfg := helperConfig("stubborn", modeIgnore)
			cfg.ShutdownWaitTime = 300 * time.Millisecond
			So(inst.Start(cfg), ShouldBeNil)
			So(waitState(inst, StateActive), ShouldBeTrue)

			So(inst.Stop(), ShouldEqual, ErrStopTimeout)
			So(inst.State(), ShouldEqual, StateStopping)

			Convey("Is finished off by a kill", func() {
				inst.Kill()
				So(waitState(inst, StateInactive), ShouldBeTrue)
				So(inst.Status().LastExit, ShouldEqual, "SIGKILL")
			})

			Convey("Cannot be started over while it winds down", func() {
				pid := inst.Pid()
				So(pid, ShouldBeGreaterThan, 0)
				So(inst.Start(cfg), ShouldEqual, ErrAlreadyRunning)
				So(inst.State(), ShouldEqual, StateStopping)
				So(inst.StartCount(), ShouldEqual, 1)

				inst.Destroy()
				ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				So(inst.Wait(ctx), ShouldBeNil)
				So(gone(pid), ShouldBeTrue)
			})

			Convey("Can be started again once killed", func() {
				pid := inst.Pid()
				inst.Kill()
				ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				So(inst.Wait(ctx), ShouldBeNil)
				So(gone(pid), ShouldBeTrue)
				So(inst.Start(cfg), ShouldBeNil)
				So(inst.StartCount(), ShouldEqual, 2)
			})
		}))
}

func TestInstanceKillDoesNotBlock(t *testing.T) {
	Convey("Kill returns at once", t,
		WithInstance(t, "victim", func(inst *Instance) {
			cfg := helperConfig("victim", modeIgnore)
			So(inst.Start(cfg), ShouldBeNil)
			So(waitState(inst, StateActive), ShouldBeTrue)

			began := time.Now()
			inst.Kill()
			So(time.Since(began), ShouldBeLessThan, 100*time.Millisecond)
			So(inst.State(), ShouldNotEqual, StateActive)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			So(inst.Wait(ctx), ShouldBeNil)
			So(inst.State(), ShouldEqual, StateInactive)
		}))

	Convey("Kill during the handshake", t,
		WithInstance(t, "shy", func(inst *Instance) {
			cfg := helperConfig("shy", modeSilent)
			So(inst.Start(cfg), ShouldBeNil)
			So(inst.State(), ShouldEqual, StateStarting)
			inst.Kill()
			So(waitState(inst, StateInactive), ShouldBeTrue)
			So(inst.StartCount(), ShouldEqual, 1)
		}))
}

func TestInstanceRelaunch(t *testing.T) {
	Convey("A crashing child is relaunched", t,
		WithInstance(t, "crasher", func(inst *Instance) {
			Convey("Immediately without backoff", func() {
				cfg := helperConfig("crasher", modeExit3)
				So(inst.Start(cfg), ShouldBeNil)
				So(waitFor(10*time.Second, func() bool {
					return inst.StartCount() >= 3
				}), ShouldBeTrue)
				inst.Kill()
				So(waitState(inst, StateInactive), ShouldBeTrue)
				So(inst.Status().LastExit, ShouldBeIn, "bind failure", "SIGKILL")
			})

			Convey("After a delay with backoff", func() {
				cfg := helperConfig("crasher", modeExit3)
				cfg.RestartBackoff = 5 * time.Second
				So(inst.Start(cfg), ShouldBeNil)
				time.Sleep(time.Second)
				So(inst.StartCount(), ShouldEqual, 1)
				So(inst.State(), ShouldEqual, StateStarting)

				Convey("Which a stop interrupts", func() {
					began := time.Now()
					So(inst.Stop(), ShouldBeNil)
					So(time.Since(began), ShouldBeLessThan, 2*time.Second)
					So(inst.State(), ShouldEqual, StateInactive)
				})
			})
		}))
}

func TestInstancePrivileged(t *testing.T) {
	Convey("A privileged instance needs the helper", t,
		WithInstance(t, "root", func(inst *Instance) {
			cfg := helperConfig("root", modeServe)
			cfg.User = "nobody"
			e := inst.Start(cfg)
			So(IsConfigError(e), ShouldBeTrue)
			So(inst.State(), ShouldEqual, StateInactive)
			So(inst.StartCount(), ShouldEqual, 0)
		}))
}

func TestBackoff(t *testing.T) {
	Convey("Backoff doubles up to the maximum", t, func() {
		tk := newSupervisor(nil, InstanceConfig{
			RestartBackoff:    time.Second,
			RestartBackoffMax: 5 * time.Second,
		})
		So(tk.nextDelay(0), ShouldEqual, time.Second)
		So(tk.nextDelay(0), ShouldEqual, 2*time.Second)
		So(tk.nextDelay(0), ShouldEqual, 4*time.Second)
		So(tk.nextDelay(0), ShouldEqual, 5*time.Second)
		So(tk.nextDelay(0), ShouldEqual, 5*time.Second)

		Convey("A long lived child resets it", func() {
			So(tk.nextDelay(DefaultBackoffReset), ShouldEqual, 0)
			So(tk.nextDelay(0), ShouldEqual, time.Second)
		})
	})

	Convey("Zero backoff never delays", t, func() {
		tk := newSupervisor(nil, InstanceConfig{})
		So(tk.nextDelay(0), ShouldEqual, 0)
		So(tk.nextDelay(0), ShouldEqual, 0)
	})
}
