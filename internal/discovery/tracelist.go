package discovery

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	glog "github.com/zboralski/liftbridge/internal/log"
	"github.com/zboralski/liftbridge/internal/memory"
)

// TraceListLabel is the first token of a trace list file.
const TraceListLabel = "======TRACE=ADDRESSES======"

// ReadTraceList parses a trace list: a label followed by whitespace
// separated hexadecimal addresses, with or without a 0x prefix.
func ReadTraceList(r io.Reader) ([]uint64, error) {
	sc := bufio.NewScanner(r)
	sc.Split(bufio.ScanWords)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("empty trace list")
	}

	var addrs []uint64
	for sc.Scan() {
		tok := strings.TrimPrefix(strings.ToLower(sc.Text()), "0x")
		a, err := strconv.ParseUint(tok, 16, 64)
		if err != nil {
			// the list ends at the first token that is not an address
			break
		}
		addrs = append(addrs, a)
	}
	return addrs, sc.Err()
}

// ReadTraceListFile reads a trace list from path.
func ReadTraceListFile(path string) ([]uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadTraceList(f)
}

// WriteTraceList writes addrs in the format ReadTraceList accepts.
func WriteTraceList(w io.Writer, addrs []uint64) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, TraceListLabel)
	for _, a := range addrs {
		fmt.Fprintf(bw, "0x%x\n", a)
	}
	return bw.Flush()
}

// WriteTraceListFile writes a trace list to path.
func WriteTraceListFile(path string, addrs []uint64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteTraceList(f, addrs); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Batch groups trace addresses by mapped region. Addresses are sorted and
// deduplicated first; a new batch starts whenever an address is not in the
// same mapped range as the current batch's first address. Unmapped
// addresses are dropped.
func Batch(space *memory.AddressSpace, addrs []uint64) [][]uint64 {
	sorted := append([]uint64(nil), addrs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var (
		batches [][]uint64
		batch   []uint64
		base    uint64
	)
	for i, a := range sorted {
		if i > 0 && a == sorted[i-1] {
			continue
		}
		if !space.IsMapped(a) {
			glog.Get().Warn("dropping unmapped trace", glog.Addr(a))
			continue
		}
		if len(batch) == 0 || !space.IsSameMappedRange(base, a) {
			if len(batch) > 0 {
				batches = append(batches, batch)
			}
			batch = nil
			base = a
		}
		batch = append(batch, a)
	}
	if len(batch) > 0 {
		batches = append(batches, batch)
	}

	glog.Get().Debug("batched traces",
		zap.Int("traces", len(sorted)),
		zap.Int("batches", len(batches)),
	)
	return batches
}
