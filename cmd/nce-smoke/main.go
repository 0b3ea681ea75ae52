// Command nce-smoke loads a flat guest code image, runs one guest thread
// natively until its first supervisor call, and reports the halt state.
// It exists to prove the whole execution path (patching, transfer, halt
// draining) on a real host; on hosts without native execution it reports
// that and exits cleanly.
package main

import (
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/eden-emulator/mirror/internal/asm/arm64"
	"github.com/eden-emulator/mirror/internal/config"
	"github.com/eden-emulator/mirror/internal/debug"
	"github.com/eden-emulator/mirror/internal/guestmem"
	"github.com/eden-emulator/mirror/internal/kernel"
	"github.com/eden-emulator/mirror/internal/nce"
	"github.com/eden-emulator/mirror/internal/nce/patch"
)

type system struct {
	mem *guestmem.Space
}

func (s *system) ApplicationMemory() nce.Memory { return s.mem }

func (s *system) Executor() nce.InstructionExecutor { return noExecutor{} }

// noExecutor declines every instruction; alignment faults then follow the
// failed-fault path, which is all the smoke test needs.
type noExecutor struct{}

func (noExecutor) ExecuteOne(*nce.SignalContext, nce.Memory) (uint64, bool) {
	return 0, false
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadImage returns the instruction words to run. Without an image path a
// built-in probe is assembled: load a marker into x0 and issue svc #0.
func loadImage(cfg config.Config) ([]uint32, error) {
	if cfg.Image == "" {
		words, err := arm64.EncodeMovImm64(arm64.X0, 0xC0FFEE)
		if err != nil {
			return nil, err
		}
		return append(words, arm64.EncodeSvc(0)), nil
	}

	data, err := os.ReadFile(cfg.Image)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if len(data)%arm64.InstrSize != 0 {
		return nil, fmt.Errorf("image %s is not a whole number of instructions", cfg.Image)
	}
	words := make([]uint32, len(data)/arm64.InstrSize)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(data[i*arm64.InstrSize:])
	}
	return words, nil
}

func run(cfg config.Config) error {
	space, err := guestmem.New(cfg.MemorySize)
	if err != nil {
		return err
	}
	defer space.Close()

	words, err := loadImage(cfg)
	if err != nil {
		return err
	}

	base := space.Base()
	proc := kernel.NewProcess()

	if cfg.Patch {
		module, err := patch.PatchModule(words, base)
		if err != nil {
			return err
		}
		words = module.Text

		tramp, err := patch.NewTrampoline()
		if err != nil {
			return err
		}
		defer tramp.Close()
		module.RegisterPostHandlers(proc, tramp)
		slog.Info("patched image",
			"svc_sites", len(module.Svcs), "reentry_points", len(module.Returns))
	}

	if err := space.LoadCode(0, words); err != nil {
		return err
	}

	sys := &system{mem: space}
	engine := nce.NewEngine(sys, 0)
	thread := kernel.NewThread(proc)

	// Guest execution must stay on one OS thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := engine.Initialize(); err != nil {
		return err
	}

	var tctx nce.ThreadContext
	tctx.Pc = base + cfg.EntryOffset
	tctx.Sp = base + cfg.MemorySize // grows down from the top of the space
	engine.SetContext(&tctx)

	slog.Info("running guest", "pc", fmt.Sprintf("%#x", tctx.Pc))
	hr := engine.RunThread(thread)

	engine.GetContext(&tctx)
	slog.Info("guest halted",
		"reason", hr.String(),
		"pc", fmt.Sprintf("%#x", tctx.Pc),
		"x0", fmt.Sprintf("%#x", tctx.R[0]))

	if hr&nce.HaltReasonSupervisorCall != 0 {
		var args [8]uint64
		engine.GetSvcArguments(&args)
		slog.Info("supervisor call",
			"number", engine.GetSvcNumber(),
			"x0", fmt.Sprintf("%#x", args[0]))
	}
	return nil
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("bad configuration", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	})))

	if cfg.TraceFile != "" {
		if err := debug.OpenFile(cfg.TraceFile); err != nil {
			slog.Error("open trace file", "error", err)
			os.Exit(1)
		}
		defer debug.Close()
	}

	if err := run(cfg); err != nil {
		if errors.Is(err, nce.ErrNativeExecutionUnsupported) || errors.Is(err, guestmem.ErrUnsupported) {
			slog.Warn("native execution unsupported on this host", "error", err)
			return
		}
		slog.Error("smoke run failed", "error", err)
		os.Exit(1)
	}
}
