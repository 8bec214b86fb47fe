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

// Package watchdog keeps configured server instances alive on a single
// host, and lets an administrator control them remotely.
//
// Each Instance is owned by at most one supervisor task at a time.  The
// task launches a Session: a child process, given a loopback port on its
// command line, which it must dial back within the handshake timeout.  Over
// that connection the manager can query the child and ask it to shut down.
// When the child exits for any reason other than a requested stop, the task
// launches a fresh one, after a backoff delay.
//
// This is not a replacement for the system's master process management
// (init, systemd, or similar).  It is meant for administrators to manage
// their own groups of processes as part of an application deployment.
//
// The Manager holds the instances and carries out commands.  The rest
// package exposes it over HTTP with token authentication, and provides the
// matching client.  If no manager answers, a client can launch one with
// Bootstrap.
package watchdog
