package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"k8s.io/utils/cpuset"

	"go-demos/config"
	"go-demos/cpufreq"
	"go-demos/scheduler"
)

// printPlan 输出规范化的配置和一个主帧的时间线
func printPlan(file, str string, dumpOnly bool) error {
	cfg, err := loadConfig(file, str)
	if err != nil {
		return err
	}
	allowed, err := allowedCPUs()
	if err != nil {
		return err
	}
	return writePlan(os.Stdout, cfg, allowed, dumpOnly)
}

func writePlan(out io.Writer, cfg *config.Config, allowed cpuset.CPUSet, dumpOnly bool) error {
	dump, err := cfg.Dump()
	if err != nil {
		return err
	}
	if _, err := out.Write(dump); err != nil {
		return err
	}
	if dumpOnly {
		return nil
	}

	desc, err := cfg.Description(allowed)
	if err != nil {
		return err
	}
	budgets := make(map[string]time.Duration, len(desc.Partitions))
	for _, p := range desc.Partitions {
		for _, proc := range p.Processes {
			budgets[p.Name] += proc.Budget
		}
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 8, 1, 3, ' ', 0)
	fmt.Fprint(w, "WINDOW\tSTART\tLENGTH\tSLICE\tCPUS\tSC\tSC BUDGET\tBE\tBE BUDGET\tFREQUENCY\n")
	var start time.Duration
	for i, win := range desc.Windows {
		for j, s := range win.Slices {
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
				i, start, win.Length, j, s.CPUs,
				orDash(s.SC), budgetOf(budgets, s.SC),
				orDash(s.BE), budgetOf(budgets, s.BE),
				frequencyOf(s))
		}
		start += win.Length
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nmajor frame length: %s\n", start)

	for i, win := range desc.Windows {
		for _, s := range win.Slices {
			if s.SC != "" && budgets[s.SC] > win.Length {
				fmt.Fprintf(out, "warning: window %d: SC partition %s needs %s but the window is only %s long\n",
					i, s.SC, budgets[s.SC], win.Length)
			}
		}
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func budgetOf(budgets map[string]time.Duration, name string) string {
	if name == "" {
		return "-"
	}
	return budgets[name].String()
}

func frequencyOf(s scheduler.SliceDesc) string {
	if s.Frequency == 0 {
		return "-"
	}
	return cpufreq.FormatHz(s.Frequency)
}
