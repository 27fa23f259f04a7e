package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"golang.org/x/sys/cpu"
	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-pixmem/pkg/allocator"
	"github.com/dd0wney/cluso-pixmem/pkg/logging"
	"github.com/dd0wney/cluso-pixmem/pkg/pressure"
	"github.com/dd0wney/cluso-pixmem/pkg/simd"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF00FF")).
			MarginTop(1)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00FFFF")).
			MarginTop(1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00FFFF")).
			Padding(0, 1)

	cellStyle = lipgloss.NewStyle().Padding(0, 1)

	levelStyles = map[pressure.Level]lipgloss.Style{
		pressure.Low:    lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")).Bold(true),
		pressure.Medium: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")).Bold(true),
		pressure.High:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")).Bold(true),
	}

	configBoxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#888888")).
			Padding(0, 1)
)

func render(rows [][]string) string {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#00FFFF"))).
		Headers("Property", "Value").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		String()
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func main() {
	optionsPath := flag.String("options", "", "YAML allocator options file to validate and show")
	flag.Parse()

	opts := allocator.DefaultOptions()
	if *optionsPath != "" {
		loaded, err := allocator.LoadOptions(*optionsPath)
		if err != nil {
			log.Fatalf("Failed to load options: %v", err)
		}
		opts = loaded
	}

	alignment := opts.Alignment
	if alignment == 0 {
		alignment = simd.PreferredAlignment()
	}
	blockCapacity := opts.UniformPoolCapacity
	if blockCapacity == 0 {
		blockCapacity = allocator.DefaultUniformCapacity(opts.UniformBlockBytes, pressure.TotalSystemBytes())
	}

	fmt.Println(titleStyle.Render("pixmem platform report"))

	fmt.Println(sectionStyle.Render("Platform"))
	fmt.Println(render([][]string{
		{"OS/Arch", runtime.GOOS + "/" + runtime.GOARCH},
		{"CPUs", strconv.Itoa(runtime.NumCPU())},
		{"AVX-512F", strconv.FormatBool(cpu.X86.HasAVX512F)},
		{"AVX2", strconv.FormatBool(cpu.X86.HasAVX2)},
		{"ASIMD", strconv.FormatBool(cpu.ARM64.HasASIMD)},
		{"Preferred alignment", fmt.Sprintf("%d bytes", simd.PreferredAlignment())},
		{"Effective alignment", fmt.Sprintf("%d bytes", alignment)},
	}))

	monitor := pressure.NewSystemMonitor(logging.NewNopLogger())
	sample := monitor.Sample()
	level := sample.Level(opts.Trim.HighPressureThreshold)

	fmt.Println(sectionStyle.Render("Memory"))
	fmt.Println(render([][]string{
		{"System memory", formatBytes(pressure.TotalSystemBytes())},
		{"Address space", formatBytes(pressure.AddressSpaceBytes())},
		{"Process footprint", formatBytes(pressure.ProcessBytes())},
		{"Load / capacity", formatBytes(sample.LoadBytes) + " / " + formatBytes(sample.CapacityBytes)},
		{"Pressure", fmt.Sprintf("%.2f %s", sample.Ratio(), levelStyles[level].Render(level.String()))},
		{"Block pool capacity", fmt.Sprintf("%d x %s", blockCapacity, formatBytes(uint64(opts.UniformBlockBytes)))},
	}))

	out, err := yaml.Marshal(&opts)
	if err != nil {
		log.Fatalf("Failed to encode options: %v", err)
	}
	fmt.Println(sectionStyle.Render("Effective options"))
	fmt.Println(configBoxStyle.Render(string(out)))

	if err := opts.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, levelStyles[pressure.High].Render("invalid options: "+err.Error()))
		os.Exit(1)
	}
}
