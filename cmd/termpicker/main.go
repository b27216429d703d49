// Command termpicker is the reference picker helper started by
// termfilechooser for each request.
package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattjoyce/termfilechooser/internal/pickerui"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	opts, err := pickerui.ParseArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	out := pickerui.Output()
	defer out.Close()

	// The UI draws on the controlling terminal so stdout stays free for the
	// result fallback.
	p := tea.NewProgram(pickerui.New(opts), tea.WithAltScreen(), tea.WithInputTTY(), tea.WithOutput(os.Stderr))
	final, err := p.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "termpicker: %v\n", err)
		return 1
	}

	paths := final.(pickerui.Model).Result()
	if len(paths) == 0 {
		return 0
	}
	if err := pickerui.WriteResult(out, paths); err != nil {
		fmt.Fprintf(os.Stderr, "termpicker: %v\n", err)
		return 1
	}
	return 0
}
