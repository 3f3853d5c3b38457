// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/ia32emu/peemu/cpu"
	"github.com/ia32emu/peemu/emulator"
	"github.com/ia32emu/peemu/loader"
	"github.com/spf13/cobra"
)

var (
	maxSteps  uint64
	searchDir []string
	traceSize int
	verbose   bool
)

func runEmu(cmd *cobra.Command, args []string) {
	path := args[0]

	e := emulator.New(&emulator.Options{
		LoaderOpts: &loader.Options{SearchDirs: searchDir},
		CPUOpts:    &cpu.Options{TraceCapacity: traceSize},
	})

	if err := e.LoadMain(path); err != nil {
		log.Fatalf("loading %s: %v", path, err)
	}

	e.CPU().ExceptionHandler = func(c *cpu.CPU, err error) {
		log.Printf("exception at EIP=0x%08x: %v", c.EIP(), err)
		c.Halted = true
	}
	e.CPU().InterruptHandler = func(c *cpu.CPU, vector uint8) {
		log.Printf("unhandled INT 0x%02x at EIP=0x%08x, halting", vector, c.EIP())
		c.Halted = true
	}

	if err := e.Run(maxSteps); err != nil {
		log.Fatalf("run failed: %v", err)
	}

	main := e.MainImage()
	fmt.Printf("%s: base=0x%08x size=0x%x steps=%d halted=%v\n",
		main.Name, main.Base, main.Size, e.CPU().Steps(), e.CPU().Halted)
	fmt.Printf("EAX=%#08x ECX=%#08x EDX=%#08x EBX=%#08x\n",
		e.CPU().Reg32(cpu.RegEAX), e.CPU().Reg32(cpu.RegECX),
		e.CPU().Reg32(cpu.RegEDX), e.CPU().Reg32(cpu.RegEBX))
	fmt.Printf("ESP=%#08x EBP=%#08x EIP=%#08x EFLAGS=%#08x\n",
		e.CPU().Reg32(cpu.RegESP), e.CPU().Reg32(cpu.RegEBP),
		e.CPU().EIP(), e.CPU().EFLAGS())

	if verbose {
		trace, _ := json.MarshalIndent(e.Trace(), "", "\t")
		fmt.Println(string(trace))
	}
}

func main() {
	var rootCmd = &cobra.Command{
		Use:   "peemu",
		Short: "A user-mode IA-32 PE emulator",
		Long:  "peemu loads a 32-bit Portable Executable, resolves its imports against DLLs on disk, and interprets it instruction by instruction",
		Run: func(cmd *cobra.Command, args []string) {
		},
	}

	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("peemu 0.0.1")
		},
	}

	var runCmd = &cobra.Command{
		Use:   "run <path.exe>",
		Short: "Load and run a PE32 executable",
		Args:  cobra.ExactArgs(1),
		Run:   runEmu,
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "dump the instruction trace on exit")
	runCmd.Flags().Uint64VarP(&maxSteps, "max-steps", "", 1_000_000, "instruction budget (0 = unbounded)")
	runCmd.Flags().StringArrayVarP(&searchDir, "search-dir", "", nil, "directory to search for dependency DLLs (repeatable)")
	runCmd.Flags().IntVarP(&traceSize, "trace-size", "", 256, "instruction trace ring-buffer capacity (0 disables tracing)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
