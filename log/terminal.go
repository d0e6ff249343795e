// Copyright 2018 The klaytn Authors
// This file is part of the klaytn library.
//
// The klaytn library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The klaytn library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the klaytn library. If not, see <http://www.gnu.org/licenses/>.

package log

import (
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

func isTerminal(w *os.File) bool {
	return isatty.IsTerminal(w.Fd()) || isatty.IsCygwinTerminal(w.Fd())
}

func colorableWriter(w *os.File) io.Writer {
	if isTerminal(w) {
		return colorable.NewColorable(w)
	}
	return w
}

func colorizeLevel(lvl Lvl, s string) string {
	switch lvl {
	case LvlCrit:
		return color.New(color.FgRed, color.Bold).Sprint(s)
	case LvlError:
		return color.New(color.FgRed).Sprint(s)
	case LvlWarn:
		return color.New(color.FgYellow).Sprint(s)
	case LvlInfo:
		return color.New(color.FgGreen).Sprint(s)
	case LvlDebug:
		return color.New(color.FgCyan).Sprint(s)
	default:
		return color.New(color.FgWhite).Sprint(s)
	}
}
