// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// scangrad builds sample recurrences as loops, and checks the gradients obtained by loop reversal against
// the gradients of the same recurrences unrolled, and against finite differences.
//
// Usage:
//
//	scangrad -length=12 -models=tanh-rnn,coupled -directions=100
package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/symgrad/backends/simplego"
	"github.com/gomlx/symgrad/pkg/core/gradcheck"
	"github.com/gomlx/symgrad/pkg/core/graph"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagConfig = flag.String("config", "", "YAML file with the finite-difference checker configuration. "+
		"Fields not set keep their defaults.")
	flagLength     = flag.Int("length", 8, "Number of steps of the sample recurrences.")
	flagDirections = flag.Int("directions", 0, "If > 0, overrides the number of random directions of the "+
		"finite-difference check.")
	flagModels = flag.String("models", "", "Comma-separated list of models to check. Empty checks all of them.")
	flagList   = flag.Bool("list", false, "Lists the available models and exits.")
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)
	failedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagList {
		table := newPlainTable(true)
		table.Row("Model", "Recurrence")
		for _, m := range models {
			table.Row(m.name, m.description)
		}
		fmt.Println(table.Render())
		return
	}
	if *flagLength < 1 {
		klog.Fatalf("-length must be >= 1, got %d", *flagLength)
	}

	cfg := gradcheck.DefaultConfig()
	if *flagConfig != "" {
		cfg = must.M1(gradcheck.LoadConfig(*flagConfig))
	}
	if *flagDirections > 0 {
		cfg.Directions = *flagDirections
	}

	selected := models
	if *flagModels != "" {
		selected = nil
		for _, name := range strings.Split(*flagModels, ",") {
			m, found := findModel(strings.TrimSpace(name))
			if !found {
				klog.Errorf("Unknown model %q. See 'scangrad -list'.", name)
				os.Exit(1)
			}
			selected = append(selected, m)
		}
	}

	fmt.Println(titleStyle.Render(fmt.Sprintf("Loop reversal check, %d steps", *flagLength)))
	table := newPlainTable(true)
	table.Row("Model", "# nodes", "# gradient nodes", "# unrolled gradient nodes", "max |Δ| unrolled",
		"finite differences")
	failed := false
	for _, m := range selected {
		row, ok := check(m, *flagLength, cfg)
		failed = failed || !ok
		table.Row(row...)
	}
	fmt.Println(table.Render())
	if failed {
		os.Exit(1)
	}
}

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == lgtable.HeaderRow {
				s = headerRowStyle
				return
			}
			if row%2 == 0 {
				s = evenRowStyle
			} else {
				s = oddRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

// check runs the checks of one model, and returns the table row with the results and whether they passed.
func check(m model, length int, cfg gradcheck.Config) (row []string, ok bool) {
	row = []string{m.name}
	fail := func(err error) ([]string, bool) {
		klog.Errorf("%s: %+v", m.name, err)
		for len(row) < 6 {
			row = append(row, failedStyle.Render("error"))
		}
		return row, false
	}
	p, err := buildProblem(m, length)
	if err != nil {
		return fail(err)
	}
	row = append(row,
		humanize.Comma(int64(graph.CountNodes(p.scanLoss))),
		humanize.Comma(int64(graph.CountNodes(p.scanGrads...))),
		humanize.Comma(int64(graph.CountNodes(p.unrolledGrads...))))

	maxDiff, err := maxAbsDifference(p)
	if err != nil {
		return fail(err)
	}
	ok = maxDiff <= 1e-9
	diff := fmt.Sprintf("%.2e", maxDiff)
	if !ok {
		diff = failedStyle.Render(diff)
	}
	row = append(row, diff)

	report, err := gradcheck.Check(p.scanLoss, p.leaves, p.params, cfg)
	if err != nil {
		return fail(err)
	}
	fd := fmt.Sprintf("%d/%d directions ok", len(report.Results)-report.Failures, len(report.Results))
	if !report.OK() {
		ok = false
		fd = failedStyle.Render(fd)
	}
	klog.V(1).Infof("%s: max finite-difference error %g", m.name, report.MaxAbsError)
	return append(row, fd), ok
}

// maxAbsDifference evaluates the gradients of the scan and of the unrolled recurrence, and returns the
// largest absolute difference between them.
func maxAbsDifference(p *problem) (float64, error) {
	results, err := simplego.Execute(p.params, append(append([]*graph.Node{}, p.scanGrads...), p.unrolledGrads...)...)
	if err != nil {
		return 0, err
	}
	n := len(p.scanGrads)
	var maxDiff float64
	for ii := range n {
		scan, unrolled := results[ii].Flat(), results[n+ii].Flat()
		if len(scan) != len(unrolled) {
			return 0, errors.Errorf("gradient of %q has %d elements in the scan and %d unrolled",
				p.leaves[ii].Name(), len(scan), len(unrolled))
		}
		for jj := range scan {
			maxDiff = math.Max(maxDiff, math.Abs(scan[jj]-unrolled[jj]))
		}
	}
	return maxDiff, nil
}
