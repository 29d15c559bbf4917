package platform

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/danmuck/deskctl/internal/lifecycle"
	"github.com/rs/zerolog/log"
)

const forwardTimeout = 5 * time.Second

type forwardMessage struct {
	Argv             []string `json:"argv"`
	WorkingDirectory string   `json:"cwd"`
}

type forwardAck struct {
	OK bool `json:"ok"`
}

// Forward hands a second instance's argv and working directory to the
// running instance listening on socketPath.
func Forward(socketPath string, argv []string, workingDirectory string) error {
	conn, err := net.DialTimeout("unix", socketPath, forwardTimeout)
	if err != nil {
		return fmt.Errorf("platform: forward dial: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(forwardTimeout))

	if err := json.NewEncoder(conn).Encode(forwardMessage{Argv: argv, WorkingDirectory: workingDirectory}); err != nil {
		return fmt.Errorf("platform: forward write: %w", err)
	}
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("platform: forward ack: %w", err)
	}
	var ack forwardAck
	if err := json.Unmarshal(line, &ack); err != nil || !ack.OK {
		return fmt.Errorf("platform: forward rejected: %s", line)
	}
	return nil
}

func (r *Runtime) acceptLoop(ln net.Listener) {
	defer r.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Err(err).Msg("platform.Runtime.acceptLoop accept failed")
			continue
		}
		r.wg.Add(1)
		go r.handleForward(conn)
	}
}

func (r *Runtime) handleForward(conn net.Conn) {
	defer r.wg.Done()
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(forwardTimeout))

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		log.Warn().Err(err).Msg("platform.Runtime.handleForward read failed")
		return
	}
	var msg forwardMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		log.Warn().Err(err).Msg("platform.Runtime.handleForward invalid message")
		_ = json.NewEncoder(conn).Encode(forwardAck{OK: false})
		return
	}
	log.Info().Strs("argv", msg.Argv).Str("cwd", msg.WorkingDirectory).Msg("platform.Runtime second instance")
	r.emit(lifecycle.Event{
		Kind:             lifecycle.EventSecondInstance,
		Argv:             msg.Argv,
		WorkingDirectory: msg.WorkingDirectory,
	})
	_ = json.NewEncoder(conn).Encode(forwardAck{OK: true})
}
