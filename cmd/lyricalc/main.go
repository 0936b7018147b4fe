// Command lyricalc compiles a LYRICAL source file to a flat x86-32
// executable image.
package main

import (
	"fmt"
	"os"
	"runtime/pprof"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lyricalc/lyrical/internal/lyrical"
	"github.com/lyricalc/lyrical/internal/x86"
)

var (
	outputPath     string
	debugInfo      bool
	emitComments   bool
	allVarVolatile bool
	noFrameShare   bool
	noImport       bool
	noExport       bool
	pageAlign      bool
	verbose        bool
	jumpCaseLog2   int
	stackProvision int64
	cpuProfile     string
)

func main() {
	root := &cobra.Command{
		Use:           "lyricalc <source.ly>",
		Short:         "compile a LYRICAL source file to x86-32 machine code",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	root.Flags().StringVarP(&outputPath, "output", "o", "a.out", "output image path")
	root.Flags().BoolVar(&debugInfo, "debug", false, "emit a debug section (LYRICALCOMPILEDEBUG)")
	root.Flags().BoolVar(&emitComments, "comment", false, "keep COMMENT pseudo-ops (LYRICALCOMPILECOMMENT)")
	root.Flags().BoolVar(&allVarVolatile, "all-var-volatile", false, "force every variable volatile (LYRICALCOMPILEALLVARVOLATILE)")
	root.Flags().BoolVar(&noFrameShare, "no-stack-frame-sharing", false, "disable stack-frame sharing (LYRICALCOMPILENOSTACKFRAMESHARING)")
	root.Flags().BoolVar(&noImport, "no-function-import", false, "reject undefined functions instead of importing them (LYRICALCOMPILENOFUNCTIONIMPORT)")
	root.Flags().BoolVar(&noExport, "no-function-export", false, "drop the export section (LYRICALCOMPILENOFUNCTIONEXPORT)")
	root.Flags().BoolVar(&pageAlign, "page-align", false, "page-align the whole output image instead of just the data regions")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "log compile/link progress")
	root.Flags().IntVar(&jumpCaseLog2, "jumpcase-log2", 0, "log2 of the switch jump-table entry stride (0 picks the default)")
	root.Flags().Int64Var(&stackProvision, "stack-provision", 0, "extra bytes reserved at the top of each stack page")
	root.Flags().StringVar(&cpuProfile, "cpuprofile", "", "write a CPU profile of the compile to this file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "lyricalc:", err)
		os.Exit(1)
	}
}

func newLogger() *zap.Logger {
	if verbose {
		l, _ := zap.NewDevelopment()
		return l
	}
	return zap.NewNop()
}

func run(cmd *cobra.Command, args []string) error {
	log := newLogger()
	defer log.Sync() //nolint:errcheck

	src, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading %s: %w", args[0], err)
	}
	log.Info("read source", zap.String("file", args[0]), zap.Int("bytes", len(src)))

	var flags lyrical.CompileFlag
	if debugInfo {
		flags |= lyrical.CompileFlagDebug
	}
	if emitComments {
		flags |= lyrical.CompileFlagComment
	}
	if allVarVolatile {
		flags |= lyrical.CompileFlagAllVarVolatile
	}
	if noFrameShare {
		flags |= lyrical.CompileFlagNoStackFrameSharing
	}
	if noImport {
		flags |= lyrical.CompileFlagNoFunctionImport
	}
	if noExport {
		flags |= lyrical.CompileFlagNoFunctionExport
	}

	if cpuProfile != "" {
		pf, err := os.Create(cpuProfile)
		if err != nil {
			return fmt.Errorf("creating %s: %w", cpuProfile, err)
		}
		defer pf.Close() //nolint:errcheck
		if err := pprof.StartCPUProfile(pf); err != nil {
			return fmt.Errorf("starting CPU profile: %w", err)
		}
		defer pprof.StopCPUProfile()
	}

	result, err := lyrical.Compile(lyrical.CompileOptions{
		Source:                  src,
		FileName:                args[0],
		Flags:                   flags,
		JumpCaseCLog2Sz:         jumpCaseLog2,
		StackPageAllocProvision: stackProvision,
	})
	if err != nil {
		return err
	}
	log.Info("compiled", zap.Int("functions", len(result.AllFunctions)), zap.Int("globalSize", result.GlobalSize))

	align := x86.Align32Bit
	if pageAlign {
		align = x86.AlignPageForEverything
	}
	linked, err := x86.Link(result.AllFunctions, x86.LinkOptions{
		Align:      align,
		Strings:    make([]byte, result.StringRegionSize),
		GlobalSize: result.GlobalSize,
		Debug:      debugInfo,
	})
	if err != nil {
		return fmt.Errorf("linking: %w", err)
	}
	log.Info("linked", zap.Int("instrSize", linked.InstrSize), zap.Int("stringsSize", linked.StringsSize))

	if err := os.WriteFile(outputPath, linked.Code, 0o755); err != nil {
		return fmt.Errorf("writing %s: %w", outputPath, err)
	}

	exports := x86.BuildExportSection(result.AllFunctions, linked.FuncOffset)
	imports := x86.BuildImportSection(result.AllFunctions)
	if !noExport && len(exports) > 0 {
		if err := os.WriteFile(outputPath+".exports", exports, 0o644); err != nil {
			return fmt.Errorf("writing export section: %w", err)
		}
	}
	if len(imports) > 0 {
		if err := os.WriteFile(outputPath+".imports", imports, 0o644); err != nil {
			return fmt.Errorf("writing import section: %w", err)
		}
	}
	if debugInfo && len(linked.DebugInfo) > 0 {
		if err := os.WriteFile(outputPath+".debug", linked.DebugInfo, 0o644); err != nil {
			return fmt.Errorf("writing debug section: %w", err)
		}
	}
	return nil
}
