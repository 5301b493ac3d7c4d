package auditlog

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
)

// VerifyResult summarizes a completed replay of a log file.
type VerifyResult struct {
	DataRows      int
	SignatureRows int
}

// Verify replays the log at path from its header: the chain starts at
// the InitialKey alias with empty last_signature/last_mac, and every row
// either verifies an asymmetric signature (SIGNATURE cell non-empty) or
// a MAC against the current secret (SIGNATURE cell empty), ratcheting
// the secret forward on success. The file is accepted only if every row
// verifies and the final row is a signature row; an unsigned tail means
// the log may have been truncated.
func Verify(path string, keystore *KeyStore, mac *MACEngine, signerAlias string) (VerifyResult, error) {
	if signerAlias == "" {
		signerAlias = AliasSignature
	}

	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{}, newErr(CodeIO, "Verify", err)
	}
	defer f.Close()

	reader := newRowReader(f)
	header, err := reader.ReadRow()
	if err != nil {
		return VerifyResult{}, newErr(CodeIO, "Verify", fmt.Errorf("reading header: %w", err))
	}
	if err := validateHeader(header); err != nil {
		return VerifyResult{}, err
	}
	nFields := len(header) - 2

	currentSecret, err := keystore.ReadSecret(AliasInitialKey)
	if err != nil {
		return VerifyResult{}, err
	}
	cert, err := keystore.ReadPublic(signerAlias)
	if err != nil {
		return VerifyResult{}, err
	}

	var lastSignature []byte
	var lastMAC string
	var result VerifyResult
	lastRowWasSignature := false
	rowNum := 0

	for {
		row, err := reader.ReadRow()
		if err == io.EOF {
			break
		}
		if err != nil {
			return result, newErr(CodeIO, "Verify", err)
		}
		rowNum++
		if len(row) != nFields+2 {
			return result, newErr(CodeCrypto, "Verify", fmt.Errorf("row %d: wrong column count", rowNum))
		}

		cells := row[:nFields]
		macCell := row[nFields]
		sigCell := row[nFields+1]

		if sigCell != "" {
			sig, derr := base64.StdEncoding.DecodeString(sigCell)
			if derr != nil {
				return result, newErr(CodeCrypto, "Verify", fmt.Errorf("row %d: bad signature encoding: %w", rowNum, derr))
			}
			toVerify := append(append([]byte(nil), lastSignature...), []byte(lastMAC)...)
			if err := VerifySignature(cert, toVerify, sig); err != nil {
				return result, newErr(CodeCrypto, "Verify", fmt.Errorf("row %d: %w", rowNum, errTagMismatch))
			}
			lastSignature = sig
			result.SignatureRows++
			lastRowWasSignature = true
			continue
		}

		expected, derr := base64.StdEncoding.DecodeString(macCell)
		if derr != nil {
			return result, newErr(CodeCrypto, "Verify", fmt.Errorf("row %d: bad MAC encoding: %w", rowNum, derr))
		}
		cellBytes := make([][]byte, len(cells))
		for i, c := range cells {
			cellBytes[i] = []byte(c)
		}
		tag, nextSecret, err := mac.MAC(currentSecret, cellBytes...)
		if err != nil {
			return result, err
		}
		if !constantTimeEqual(tag, expected) {
			return result, newErr(CodeCrypto, "Verify", fmt.Errorf("row %d: %w", rowNum, errTagMismatch))
		}
		currentSecret = nextSecret
		lastMAC = macCell
		result.DataRows++
		lastRowWasSignature = false
	}

	if !lastRowWasSignature {
		return result, newErr(CodeCrypto, "Verify", fmt.Errorf("log does not end on a signature row: %w", errGap))
	}
	return result, nil
}
