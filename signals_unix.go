// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

//go:build !windows

package pollq

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// waitForSignals waits for signals and handles them.
// SIGTERM and SIGINT signal the process to exit.
// SIGTSTP makes the server stop claiming tasks while it keeps running
// the ones already claimed.
func (srv *Server) waitForSignals() {
	srv.logger.Info("Send signal TSTP to stop claiming new tasks")
	srv.logger.Info("Send signal TERM or INT to terminate the process")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGTERM, unix.SIGINT, unix.SIGTSTP)
	defer signal.Stop(sigs)
	for {
		sig := <-sigs
		if sig == unix.SIGTSTP {
			srv.Stop()
			continue
		}
		srv.logger.Infof("Received %v", sig)
		return
	}
}
