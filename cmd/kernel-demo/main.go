package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/cyelmini/TP2-SO-2C2025/pkg/console"
	"github.com/cyelmini/TP2-SO-2C2025/pkg/kernel"
	"github.com/cyelmini/TP2-SO-2C2025/pkg/memory"
	"github.com/cyelmini/TP2-SO-2C2025/pkg/process"
)

const syncSem = 100

func main() {
	configPath := flag.String("config", "", "path to a YAML kernel config")
	demos := flag.String("demo", "ps,mm,sync,pipe,prio,read", "comma-separated demos to run")
	input := flag.String("input", "hello from the keyboard\n", "keystrokes typed into the console")
	timeout := flag.Duration("timeout", 30*time.Second, "give up after this long")
	flag.Parse()

	cfg := kernel.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = kernel.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	fmt.Println("=== Kernel Demo ===")
	fmt.Println()

	k, err := kernel.Boot(cfg, kernel.WithEcho(true))
	if err != nil {
		log.Fatalf("Failed to boot kernel: %v", err)
	}
	defer k.Close()
	fmt.Printf("Booted kernel %s (heap=%s, %d bytes)\n", k.ID(), cfg.Memory.Strategy, k.Heap().Info().Total)

	d := &demo{k: k, sys: k.Syscalls(), reading: make(chan struct{})}
	programs := map[string]process.Entry{
		"ps":   d.ps,
		"mm":   d.mm,
		"sync": d.sync,
		"pipe": d.pipe,
		"prio": d.prio,
		"read": d.read,
	}

	var selected []string
	for _, name := range strings.Split(*demos, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := programs[name]; !ok {
			log.Fatalf("Unknown demo %q", name)
		}
		selected = append(selected, name)
	}

	_, err = k.Spawn(process.CreateConfig{
		Entry:      d.shell(selected, programs),
		Args:       []string{"shell"},
		Priority:   process.PriorityHighest,
		Foreground: true,
	})
	if err != nil {
		log.Fatalf("Failed to spawn shell: %v", err)
	}

	go func() {
		<-d.reading
		// One key at a time keeps the ring from overflowing.
		for i := 0; i < len(*input); i++ {
			k.Console().Press((*input)[i])
			time.Sleep(5 * time.Millisecond)
		}
		k.Console().Press(console.CtrlD)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := k.RunUntilIdle(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Kernel stopped: %v", err)
	}

	info := k.Heap().Info()
	fmt.Printf("\nHeap after shutdown: used=%d free=%d\n", info.Used, info.Free)
	fmt.Println("\n=== Demo Complete ===")
}

type demo struct {
	k   *kernel.Kernel
	sys *kernel.Syscalls

	global  int64
	reading chan struct{}
}

func (d *demo) printf(format string, args ...any) {
	_ = d.sys.Print(fmt.Sprintf(format, args...))
}

// shell runs each selected program as a child and waits for it.
func (d *demo) shell(names []string, programs map[string]process.Entry) process.Entry {
	return func(int, []string) {
		for _, name := range names {
			d.printf("\n--- %s ---\n", name)
			pid, err := d.sys.CreateProcess(process.CreateConfig{
				Entry:      programs[name],
				Args:       []string{name},
				Foreground: true,
			})
			if err != nil {
				d.printf("%s: %v\n", name, err)
				continue
			}
			if err := d.sys.Wait(pid); err != nil && !errors.Is(err, process.ErrProcessNotFound) {
				d.printf("%s: wait: %v\n", name, err)
			}
		}
	}
}

func (d *demo) ps(int, []string) {
	d.printf("%-4s %-4s %-8s %-4s %-3s %-10s %s\n", "PID", "PPID", "NAME", "PRIO", "FG", "STATE", "SP")
	for _, p := range d.sys.PS() {
		fg := "no"
		if p.Foreground {
			fg = "yes"
		}
		d.printf("%-4d %-4d %-8s %-4d %-3s %-10s %#x\n",
			p.PID, p.ParentPID, p.Name, p.Priority, fg, p.State, p.StackPointer)
	}
}

// mm fills the heap with random blocks, checks their contents and frees them.
func (d *demo) mm(int, []string) {
	const maxBlocks = 128
	type request struct {
		addr memory.Addr
		size uint64
	}

	budget := d.sys.MmInfo().Free / 2
	d.printf("Requesting up to %d bytes\n", budget)

	var (
		reqs  []request
		total uint64
	)
	for attempts := 0; len(reqs) < maxBlocks && total < budget && attempts < 4*maxBlocks; attempts++ {
		size := uint64(rand.Int63n(int64(min(budget-total, 4096)))) + 1
		addr := d.sys.MmAlloc(size)
		if addr == memory.Nil {
			continue
		}
		reqs = append(reqs, request{addr, size})
		total += size
	}

	for i, r := range reqs {
		b, err := d.k.Heap().Bytes(r.addr, r.size)
		if err != nil {
			d.printf("mm: %v\n", err)
			return
		}
		for j := range b {
			b[j] = byte(i)
		}
	}
	for i, r := range reqs {
		b, _ := d.k.Heap().Bytes(r.addr, r.size)
		for _, v := range b {
			if v != byte(i) {
				d.printf("mm: block %d corrupted at %#x\n", i, r.addr)
				return
			}
		}
	}

	used := d.sys.MmInfo().Used
	for _, r := range reqs {
		d.sys.MmFree(r.addr)
	}
	d.printf("Allocated %d blocks (%d bytes, %d in use), all checked and freed\n", len(reqs), total, used)
}

func (d *demo) slowInc(inc int64) {
	v := d.global
	d.sys.Yield()
	d.global = v + inc
}

func (d *demo) incrementer(_ int, argv []string) {
	n, _ := strconv.Atoi(argv[1])
	inc, _ := strconv.ParseInt(argv[2], 10, 64)
	useSem := argv[3] == "1"

	if useSem {
		if err := d.sys.SemOpen(syncSem); err != nil {
			d.printf("sync: open semaphore: %v\n", err)
			return
		}
	}
	for i := 0; i < n; i++ {
		if useSem {
			_ = d.sys.SemWait(syncSem)
		}
		d.slowInc(inc)
		if useSem {
			_ = d.sys.SemPost(syncSem)
		}
	}
}

// sync races two incrementers against two decrementers, first without and
// then with a mutex semaphore.
func (d *demo) sync(int, []string) {
	const pairs, n = 2, 200
	for _, useSem := range []string{"0", "1"} {
		d.global = 0
		if useSem == "1" {
			if err := d.sys.SemCreate(syncSem, 1); err != nil {
				d.printf("sync: create semaphore: %v\n", err)
				return
			}
		}
		var pids []int
		for i := 0; i < pairs; i++ {
			for _, inc := range []string{"-1", "1"} {
				pid, err := d.sys.CreateProcess(process.CreateConfig{
					Entry: d.incrementer,
					Args:  []string{"inc", strconv.Itoa(n), inc, useSem},
				})
				if err != nil {
					d.printf("sync: %v\n", err)
					continue
				}
				pids = append(pids, pid)
			}
		}
		for _, pid := range pids {
			_ = d.sys.Wait(pid)
		}
		d.printf("use_sem=%s final value: %d\n", useSem, d.global)
		if useSem == "1" {
			_ = d.sys.SemDestroy(syncSem)
		}
	}
}

// pipe connects an echo process to a cat process.
func (d *demo) pipe(int, []string) {
	id, err := d.sys.PipeCreate()
	if err != nil {
		d.printf("pipe: %v\n", err)
		return
	}

	echo := func(_ int, argv []string) {
		for _, word := range argv[1:] {
			_, _ = d.sys.Write(process.Stdout, []byte(word+"\n"))
		}
		_ = d.sys.PipeClose(id)
	}
	cat := func(int, []string) {
		buf := make([]byte, 16)
		for {
			n, err := d.sys.Read(process.Stdin, buf)
			if n > 0 {
				_, _ = d.sys.Write(process.Stdout, []byte("| "+string(buf[:n])))
			}
			if err != nil {
				break
			}
		}
		_ = d.sys.PipeCloseReader(id)
	}

	r, err := d.sys.CreateProcess(process.CreateConfig{
		Entry: cat, Args: []string{"cat"}, FDs: []int{id, process.Stdout, process.Stderr},
	})
	if err != nil {
		d.printf("pipe: %v\n", err)
		return
	}
	w, err := d.sys.CreateProcess(process.CreateConfig{
		Entry: echo, Args: []string{"echo", "one", "two", "three"}, FDs: []int{process.Stdin, id, process.Stderr},
	})
	if err != nil {
		d.printf("pipe: %v\n", err)
		return
	}
	_ = d.sys.Wait(w)
	_ = d.sys.Wait(r)
}

// prio runs three busy processes at different priorities and reports the
// order in which they finished.
func (d *demo) prio(int, []string) {
	const rounds = 20
	var order []string

	busy := func(_ int, argv []string) {
		for i := 0; i < rounds; i++ {
			d.sys.Ticks()
		}
		order = append(order, argv[0])
	}

	var pids []int
	for _, p := range []struct {
		name string
		prio process.Priority
	}{
		{"low", process.PriorityLowest},
		{"mid", process.PriorityDefault},
		{"high", process.PriorityHighest},
	} {
		pid, err := d.sys.CreateProcess(process.CreateConfig{Entry: busy, Args: []string{p.name}, Priority: p.prio})
		if err != nil {
			d.printf("prio: %v\n", err)
			continue
		}
		pids = append(pids, pid)
	}
	for _, pid := range pids {
		_ = d.sys.Wait(pid)
	}
	d.printf("finish order: %s\n", strings.Join(order, " "))
}

// read copies keyboard lines to stdout until Ctrl-D.
func (d *demo) read(int, []string) {
	buf := make([]byte, 64)
	close(d.reading)
	for {
		n, err := d.sys.Read(process.Stdin, buf)
		if n > 0 {
			d.printf("read %d bytes: %q\n", n, buf[:n])
		}
		if errors.Is(err, io.EOF) {
			d.printf("end of input\n")
			return
		}
		if err != nil {
			d.printf("read: %v\n", err)
			return
		}
	}
}
