package auditlog

import (
	"bytes"
	"encoding/base64"
	"encoding/gob"
	"fmt"
	"os"
	"sync"
	"time"
)

// sigTaskState tracks the writer's signature task: idle, armed to fire
// after the signature interval, or currently emitting a row.
type sigTaskState int

const (
	sigIdle sigTaskState = iota
	sigScheduled
	sigRunning
)

// chainKeyState bundles the two pieces of chain state that must survive
// a restart together: the evolving secret and the most recent MAC cell
// (needed to seal the next signature row). Both ride in the CurrentKey
// alias, so a crash always resumes a well-defined prefix.
type chainKeyState struct {
	Secret  []byte
	LastMAC string // base64
}

// WriterConfig configures a Secure Writer for one topic's log file.
type WriterConfig struct {
	Path              string
	Schema            Schema
	KeyStore          *KeyStore
	MACEngine         *MACEngine
	SecurityEnabled   bool
	SignatureInterval time.Duration
	Scheduler         Scheduler
	SignerAlias       string // defaults to AliasSignature
}

// Writer appends event rows with a trailing MAC cell, schedules periodic
// signature rows, and persists chain state to the key store after every
// mutation. One Writer owns one log file; all of its operations contend
// for a single exclusive lock.
type Writer struct {
	mu sync.Mutex

	file   *os.File
	codec  *RowCodec
	schema Schema

	security  bool
	mac       *MACEngine
	keystore  *KeyStore
	signerAl  string
	signer    *Signer

	sigInterval time.Duration
	scheduler   Scheduler

	currentSecret  []byte
	lastMAC        string
	lastSignature  []byte

	sigState sigTaskState
	cancelFn CancelFunc
	sigDone  chan struct{}

	closed bool
}

// NewWriter opens (creating if absent) the log file at cfg.Path. A fresh
// file is seeded from the InitialKey alias and gets the header row; an
// existing file resumes its chain from CurrentKey.
func NewWriter(cfg WriterConfig) (*Writer, error) {
	if cfg.Scheduler == nil {
		cfg.Scheduler = NewScheduler()
	}
	if cfg.SignerAlias == "" {
		cfg.SignerAlias = AliasSignature
	}

	file, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, newErr(CodeIO, "NewWriter", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, newErr(CodeIO, "NewWriter", err)
	}
	fresh := info.Size() == 0

	w := &Writer{
		file:        file,
		codec:       NewRowCodec(cfg.Schema),
		schema:      cfg.Schema,
		security:    cfg.SecurityEnabled,
		mac:         cfg.MACEngine,
		keystore:    cfg.KeyStore,
		signerAl:    cfg.SignerAlias,
		sigInterval: cfg.SignatureInterval,
		scheduler:   cfg.Scheduler,
	}

	if w.security {
		priv, perr := cfg.KeyStore.ReadPrivate(cfg.SignerAlias)
		if perr != nil {
			_ = file.Close()
			return nil, perr
		}
		w.signer = NewSigner(priv)

		if fresh {
			secret, serr := cfg.KeyStore.ReadSecret(AliasInitialKey)
			if serr != nil {
				_ = file.Close()
				return nil, serr
			}
			w.currentSecret = secret
		} else {
			state, serr := w.loadChainKeyState()
			if serr != nil {
				_ = file.Close()
				return nil, serr
			}
			w.currentSecret = state.Secret
			w.lastMAC = state.LastMAC
			if sig, sigErr := cfg.KeyStore.ReadSecret(AliasCurrentSignature); sigErr == nil {
				w.lastSignature = sig
			}
		}
	}

	if fresh {
		if err := w.writeHeaderLocked(); err != nil {
			_ = file.Close()
			return nil, err
		}
	}

	return w, nil
}

func (w *Writer) loadChainKeyState() (chainKeyState, error) {
	raw, err := w.keystore.ReadSecret(AliasCurrentKey)
	if err != nil {
		return chainKeyState{}, err
	}
	var state chainKeyState
	if derr := gob.NewDecoder(bytes.NewReader(raw)).Decode(&state); derr != nil {
		return chainKeyState{}, newErr(CodeKeyStore, "Writer.loadChainKeyState", derr)
	}
	return state, nil
}

func (w *Writer) persistChainKeyState() error {
	var buf bytes.Buffer
	state := chainKeyState{Secret: w.currentSecret, LastMAC: w.lastMAC}
	if err := gob.NewEncoder(&buf).Encode(state); err != nil {
		return newErr(CodeKeyStore, "Writer.persistChainKeyState", err)
	}
	return w.keystore.WriteSecret(AliasCurrentKey, buf.Bytes())
}

// writeHeaderLocked emits the schema header plus, when security is
// enabled, the HMAC/SIGNATURE trailing columns. An unsecured log's
// header has no trailing columns at all.
func (w *Writer) writeHeaderLocked() error {
	var header []string
	if w.security {
		header = w.codec.Header()
	} else {
		header = append([]string(nil), w.schema.Fields...)
	}
	if err := WriteRow(w.file, header); err != nil {
		return err
	}
	return w.syncLocked()
}

func (w *Writer) syncLocked() error {
	if err := w.file.Sync(); err != nil {
		return newErr(CodeIO, "Writer.sync", err)
	}
	return nil
}

// Write appends a data row for ev: canonicalize, MAC, append+sync,
// persist the next secret, then arm the signature timer if idle.
func (w *Writer) Write(ev Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return newErr(CodeIO, "Writer.Write", fmt.Errorf("writer is closed"))
	}

	cells := w.codec.Cells(ev)

	if !w.security {
		if err := WriteRow(w.file, cells); err != nil {
			return err
		}
		return w.syncLocked()
	}

	cellBytes := make([][]byte, len(cells))
	for i, c := range cells {
		cellBytes[i] = []byte(c)
	}
	tag, nextSecret, err := w.mac.MAC(w.currentSecret, cellBytes...)
	if err != nil {
		_ = w.closeOnFatalLocked()
		return err
	}
	macB64 := base64.StdEncoding.EncodeToString(tag)

	row := append(append([]string(nil), cells...), macB64, "")
	if err := WriteRow(w.file, row); err != nil {
		_ = w.closeOnFatalLocked()
		return err
	}
	if err := w.syncLocked(); err != nil {
		_ = w.closeOnFatalLocked()
		return err
	}

	// A key-store failure here must not let in-memory state advance
	// while the persisted key stays behind.
	prevSecret, prevMAC := w.currentSecret, w.lastMAC
	w.currentSecret, w.lastMAC = nextSecret, macB64
	if err := w.persistChainKeyState(); err != nil {
		w.currentSecret, w.lastMAC = prevSecret, prevMAC
		_ = w.closeOnFatalLocked()
		return err
	}

	if w.sigState == sigIdle {
		w.armSignatureLocked()
	}
	return nil
}

// closeOnFatalLocked closes the file without touching the signature task
// state machine. A writer that failed an append or a key persist must
// not keep writing, or the file and the stored chain state diverge.
// Caller holds w.mu.
func (w *Writer) closeOnFatalLocked() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}

// armSignatureLocked schedules the signature task to fire after
// sigInterval. Callers only arm from the idle state, so many writes in
// rapid succession yield one signature per interval, not one per write.
func (w *Writer) armSignatureLocked() {
	w.sigState = sigScheduled
	w.cancelFn = w.scheduler.AfterFunc(w.sigInterval, w.fireSignature)
}

// fireSignature is the scheduler callback: it moves the task from
// scheduled to running, emits the signature row, then returns to idle.
func (w *Writer) fireSignature() {
	w.mu.Lock()
	if w.closed || w.sigState != sigScheduled {
		w.mu.Unlock()
		return
	}
	w.sigState = sigRunning
	done := make(chan struct{})
	w.sigDone = done
	w.mu.Unlock()

	_ = w.writeSignature()

	w.mu.Lock()
	w.sigState = sigIdle
	w.sigDone = nil
	w.mu.Unlock()
	close(done)
}

// writeSignature appends a signature row sealing the chain so far:
// Sign(priv, last_signature || last_mac), persisted to CurrentSignature
// after the append succeeds.
func (w *Writer) writeSignature() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeSignatureLocked()
}

func (w *Writer) writeSignatureLocked() error {
	if w.closed {
		return nil
	}
	toSign := append(append([]byte(nil), w.lastSignature...), []byte(w.lastMAC)...)
	sig, err := w.signer.Sign(toSign)
	if err != nil {
		return err
	}

	nFields := len(w.schema.Fields)
	row := make([]string, nFields+2)
	// schema cells and HMAC cell are left empty for a signature row.
	row[nFields] = ""
	row[nFields+1] = base64.StdEncoding.EncodeToString(sig)

	if err := WriteRow(w.file, row); err != nil {
		return err
	}
	if err := w.syncLocked(); err != nil {
		return err
	}

	if err := w.keystore.WriteSecret(AliasCurrentSignature, sig); err != nil {
		return err
	}
	w.lastSignature = sig
	return nil
}

// Flush forces persistence of pending I/O.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return w.syncLocked()
}

// Close cancels any pending signature task, emits a final signature row if
// one was scheduled (best-effort cancel, then the closer emits it itself),
// waits for an in-flight signature to finish if one is RUNNING, then
// closes the file. Idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}

	var needEmit bool
	if w.security && w.sigState == sigScheduled && w.cancelFn != nil {
		// Cancel may report the timer already fired, but while the state
		// is still scheduled the callback has not passed its own guard
		// yet. Resetting to idle makes that callback a no-op either way,
		// so the closer emits the final row itself exactly once.
		w.cancelFn()
		w.sigState = sigIdle
		needEmit = true
	}
	runningDone := w.sigDone
	w.mu.Unlock()

	if runningDone != nil {
		<-runningDone
	}
	if needEmit {
		if err := w.writeSignature(); err != nil {
			return err
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}
