package orchestrator

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/buddhike/flotilla/worker"
)

// Process is one running worker. Reading yields what the worker sent;
// writing delivers to it. The read side reaches EOF when the worker exits.
type Process interface {
	io.Reader
	io.Writer
	Pid() int
	Wait() error
	Kill() error
}

type Spawner interface {
	Spawn(kind worker.Kind, workerID int) (Process, error)
}

// ExecSpawner starts workers by re-executing a binary, by default the
// current one. The channel runs over two extra descriptors.
type ExecSpawner struct {
	Binary string
	Args   []string
	Env    []string
}

func (s *ExecSpawner) Spawn(kind worker.Kind, workerID int) (Process, error) {
	bin := s.Binary
	if bin == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate worker binary: %w", err)
		}
		bin = self
	}

	toWorkerR, toWorkerW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	fromWorkerR, fromWorkerW, err := os.Pipe()
	if err != nil {
		toWorkerR.Close()
		toWorkerW.Close()
		return nil, err
	}

	cmd := exec.Command(bin, s.Args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Env = append(cmd.Env,
		worker.EnvKind+"="+string(kind),
		worker.EnvID+"="+strconv.Itoa(workerID),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// ExtraFiles[i] becomes descriptor 3+i in the child.
	cmd.ExtraFiles = []*os.File{toWorkerR, fromWorkerW}

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{toWorkerR, toWorkerW, fromWorkerR, fromWorkerW} {
			f.Close()
		}
		return nil, fmt.Errorf("failed to start %s worker %d: %w", kind, workerID, err)
	}
	toWorkerR.Close()
	fromWorkerW.Close()
	return &execProcess{cmd: cmd, in: fromWorkerR, out: toWorkerW}, nil
}

type execProcess struct {
	cmd *exec.Cmd
	in  *os.File
	out *os.File
}

func (p *execProcess) Read(b []byte) (int, error) {
	return p.in.Read(b)
}

func (p *execProcess) Write(b []byte) (int, error) {
	return p.out.Write(b)
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	p.out.Close()
	p.in.Close()
	return err
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

// RunFunc runs a worker runtime inside the current process. exit stands
// in for os.Exit and makes the worker look dead to the orchestrator.
type RunFunc func(kind worker.Kind, workerID int, r io.Reader, w io.Writer, exit func(int)) error

// InProcessSpawner runs every worker on its own goroutine over in-memory
// pipes. The orchestrator cannot tell it apart from ExecSpawner.
type InProcessSpawner struct {
	run RunFunc
}

func NewInProcessSpawner(run RunFunc) *InProcessSpawner {
	return &InProcessSpawner{run: run}
}

// WorkerRunner is the RunFunc for workers built from worker options.
func WorkerRunner(opts ...func(*worker.Config)) RunFunc {
	return func(kind worker.Kind, workerID int, r io.Reader, w io.Writer, exit func(int)) error {
		o := append([]func(*worker.Config){worker.WithWorkerID(workerID)}, opts...)
		o = append(o, worker.WithExit(exit))
		switch kind {
		case worker.KindCluster:
			return worker.NewCluster(r, w, o...).Run()
		case worker.KindService:
			return worker.NewService(r, w, o...).Run()
		}
		return fmt.Errorf("unknown worker kind %q", kind)
	}
}

var ErrKilled = errors.New("worker killed")

func (s *InProcessSpawner) Spawn(kind worker.Kind, workerID int) (Process, error) {
	toWorkerR, toWorkerW := io.Pipe()
	fromWorkerR, fromWorkerW := io.Pipe()
	p := &inProcess{
		id:          workerID,
		toWorkerR:   toWorkerR,
		toWorkerW:   toWorkerW,
		fromWorkerR: fromWorkerR,
		fromWorkerW: fromWorkerW,
		once:        &sync.Once{},
		done:        make(chan struct{}),
	}
	go func() {
		err := s.run(kind, workerID, toWorkerR, fromWorkerW, p.exit)
		p.terminate(err)
	}()
	return p, nil
}

type inProcess struct {
	id          int
	toWorkerR   *io.PipeReader
	toWorkerW   *io.PipeWriter
	fromWorkerR *io.PipeReader
	fromWorkerW *io.PipeWriter
	once        *sync.Once
	done        chan struct{}
	err         error
}

func (p *inProcess) Read(b []byte) (int, error) {
	return p.fromWorkerR.Read(b)
}

func (p *inProcess) Write(b []byte) (int, error) {
	return p.toWorkerW.Write(b)
}

func (p *inProcess) Pid() int {
	return p.id
}

func (p *inProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *inProcess) Kill() error {
	p.terminate(ErrKilled)
	return nil
}

func (p *inProcess) exit(code int) {
	var err error
	if code != 0 {
		err = fmt.Errorf("exit status %d", code)
	}
	p.terminate(err)
}

// terminate severs both directions so each side sees the other go away.
func (p *inProcess) terminate(err error) {
	p.once.Do(func() {
		p.err = err
		p.toWorkerR.CloseWithError(io.EOF)
		p.fromWorkerW.Close()
		close(p.done)
	})
}
