package orchestrator

import (
	"fmt"
	"path/filepath"
	"strings"
)

// avrPlatform specializes the orchestrator for AVR-based boards (e.g.
// "uno"), invoking the avr-gcc toolchain and avr-objcopy for the final
// Intel HEX image. Registered under the key "avr".
type avrPlatform struct{}

func init() {
	Register(avrPlatform{})
}

func (avrPlatform) Name() string { return "avr" }

func (avrPlatform) PlanSources(env Environment, sources []string, objDir string) ([]TranslationUnit, error) {
	units := make([]TranslationUnit, 0, len(sources))
	for _, src := range sources {
		obj := filepath.Join(objDir, filepath.Base(src)+".o")
		argv := []string{
			"avr-gcc",
			"-mmcu=" + boardMCU(env.Board),
			"-Os",
			"-c", src,
			"-o", obj,
		}
		for _, lib := range env.Libraries {
			argv = append(argv, "-I", lib)
		}
		argv = append(argv, env.Flags...)
		units = append(units, TranslationUnit{SourcePath: src, ObjectPath: obj, Argv: argv})
	}
	return units, nil
}

func (avrPlatform) LinkArgv(env Environment, objects []string, outPath string) []string {
	argv := []string{"avr-gcc", "-mmcu=" + boardMCU(env.Board), "-Os", "-o", outPath}
	argv = append(argv, objects...)
	return argv
}

func (avrPlatform) PostProcessArgv(env Environment, linkedImage, finalPath string) []string {
	return []string{"avr-objcopy", "-O", "ihex", "-R", ".eeprom", linkedImage, finalPath}
}

// boardMCU maps a board name to its avr-gcc -mmcu value. A defective or
// unrecognized board maps to "unknown-board-<board>", so a
// misconfigured manifest fails loudly in the avr-gcc invocation rather
// than silently here.
func boardMCU(board string) string {
	known := map[string]string{
		"uno":      "atmega328p",
		"nano":     "atmega328p",
		"mega2560": "atmega2560",
		"leonardo": "atmega32u4",
	}
	if mcu, ok := known[strings.ToLower(board)]; ok {
		return mcu
	}
	return fmt.Sprintf("unknown-board-%s", board)
}
