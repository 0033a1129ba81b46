package logging

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

// ANSI color codes.
const (
	reset  = "\033[0m"
	bold   = "\033[1m"
	cyan   = "\033[36m"
	green  = "\033[32m"
	yellow = "\033[33m"
	red    = "\033[31m"
	dim    = "\033[2m"
)

// Logo lines — base SessionFab ASCII art.
var logoLines = [6]string{
	`  ____                _             _____     _      `,
	` / ___|  ___  ___ ___(_) ___  _ __ |  ___|_ _| |__   `,
	` \___ \ / _ \/ __/ __| |/ _ \| '_ \| |_ / _` + "`" + ` | '_ \  `,
	`  ___) |  __/\__ \__ \ | (_) | | | |  _| (_| | |_) | `,
	` |____/ \___||___/___/_|\___/|_| |_|_|  \__,_|_.__/  `,
	`                                                     `,
}

// Mode-specific ASCII art (right side, same height as the logo).
var hubArt = [6]string{
	`  _   _       _     `,
	` | | | |_   _| |__  `,
	` | |_| | | | | '_ \ `,
	` |  _  | |_| | |_) |`,
	` |_| |_|\__,_|_.__/ `,
	`                     `,
}

var endpointArt = [6]string{
	`  _____           _             _       _   `,
	` | ____|_ __   __| |_ __   ___ (_)_ __ | |_ `,
	` |  _| | '_ \ / _` + "`" + ` | '_ \ / _ \| | '_ \| __|`,
	` | |___| | | | (_| | |_) | (_) | | | | | |_ `,
	` |_____|_| |_|\__,_| .__/ \___/|_|_| |_|\__|`,
	`                   |_|                      `,
}

var watchdogArt = [6]string{
	` __        __    _       _         _             `,
	` \ \      / /_ _| |_ ___| |__   __| | ___   __ _ `,
	`  \ \ /\ / / _` + "`" + ` | __/ __| '_ \ / _` + "`" + ` |/ _ \ / _` + "`" + ` |`,
	`   \ V  V / (_| | || (__| | | | (_| | (_) | (_| |`,
	`    \_/\_/ \__,_|\__\___|_| |_|\__,_|\___/ \__, |`,
	`                                           |___/ `,
}

// PrintBanner prints the SessionFab ASCII art logo with mode-specific art
// appended to the right, followed by version and address. Colors are used
// only when stderr is a TTY.
func PrintBanner(mode, ver, addr string) {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	var modeArt *[6]string
	var modeColor string
	switch mode {
	case "hub":
		modeArt = &hubArt
		modeColor = green
	case "endpoint":
		modeArt = &endpointArt
		modeColor = yellow
	default: // watchdog
		modeArt = &watchdogArt
		modeColor = red
	}

	for i := 0; i < 6; i++ {
		if color {
			fmt.Fprintf(os.Stderr, "%s%s%s%s%s%s\n",
				bold+cyan, logoLines[i], reset,
				bold+modeColor, modeArt[i], reset)
		} else {
			fmt.Fprintf(os.Stderr, "%s%s\n", logoLines[i], modeArt[i])
		}
	}

	if color {
		fmt.Fprintf(os.Stderr, "\n  %sversion%s %s   %saddr%s %s\n\n",
			dim, reset, ver, dim, reset, addr)
	} else {
		fmt.Fprintf(os.Stderr, "\n  version %s   addr %s\n\n", ver, addr)
	}
}
