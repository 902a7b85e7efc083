package document

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/cncaiprojem/projem-sub004/internal/types"
)

// persistedDocument is the on-disk envelope: document metadata plus
// the kernel snapshot taken at save time.
type persistedDocument struct {
	Document    Document `json:"document"`
	KernelState []byte   `json:"kernel_state"`
}

// sidecarRecord sits next to every persisted file as <path>.meta so
// integrity can be checked without parsing the payload.
type sidecarRecord struct {
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// writePayload serializes the envelope, gzips it when compress is set,
// and writes it atomically with a sidecar. Returns size and digest of
// the bytes on disk.
func writePayload(path string, payload *persistedDocument, compress bool) (int64, string, error) {
	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return 0, "", types.WrapFault(types.CodeTemporaryFailure, "encode document", err)
	}
	if compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			return 0, "", types.WrapFault(types.CodeTemporaryFailure, "compress document", err)
		}
		if err := zw.Close(); err != nil {
			return 0, "", types.WrapFault(types.CodeTemporaryFailure, "compress document", err)
		}
		raw = buf.Bytes()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, "", types.WrapFault(types.CodeTemporaryFailure, "create document directory", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".save-*")
	if err != nil {
		return 0, "", types.WrapFault(types.CodeTemporaryFailure, "create temp file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return 0, "", types.WrapFault(types.CodeTemporaryFailure, "write document", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, "", types.WrapFault(types.CodeTemporaryFailure, "write document", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return 0, "", types.WrapFault(types.CodeTemporaryFailure, "write document", err)
	}

	sum := sha256.Sum256(raw)
	digest := hex.EncodeToString(sum[:])
	side, err := json.Marshal(sidecarRecord{Size: int64(len(raw)), SHA256: digest})
	if err == nil {
		err = os.WriteFile(path+".meta", side, 0o644)
	}
	if err != nil {
		return 0, "", types.WrapFault(types.CodeTemporaryFailure, "write sidecar", err)
	}
	return int64(len(raw)), digest, nil
}

// readPayload loads a persisted envelope, transparently gunzipping
// .gz files, and verifies the sidecar digest when one is present.
func readPayload(path string) (*persistedDocument, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.Faultf(types.CodeDocumentNotFound, "document file %s not found", filepath.Base(path))
		}
		return nil, types.WrapFault(types.CodeTemporaryFailure, "read document", err)
	}

	if side, err := os.ReadFile(path + ".meta"); err == nil {
		var rec sidecarRecord
		if json.Unmarshal(side, &rec) == nil && rec.SHA256 != "" {
			sum := sha256.Sum256(raw)
			if hex.EncodeToString(sum[:]) != rec.SHA256 {
				return nil, types.Faultf(types.CodeDocumentCorrupt, "document %s does not match its recorded digest", filepath.Base(path))
			}
		}
	}

	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, types.WrapFault(types.CodeDocumentCorrupt, "document is not valid gzip", err)
		}
		raw, err = io.ReadAll(zr)
		if cerr := zr.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, types.WrapFault(types.CodeDocumentCorrupt, "decompress document", err)
		}
	}

	var payload persistedDocument
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, types.WrapFault(types.CodeDocumentCorrupt, "decode document", err)
	}
	if payload.Document.ID == "" {
		return nil, types.NewFault(types.CodeDocumentCorrupt, "document payload has no id")
	}
	return &payload, nil
}

// documentFileName is the canonical file name for a document id.
func documentFileName(id string, compressed bool) string {
	if compressed {
		return id + ".json.gz"
	}
	return id + ".json"
}

// resolveUnder joins name onto base and rejects anything that escapes
// it.
func resolveUnder(base, name string) (string, error) {
	abs, err := filepath.Abs(filepath.Join(base, name))
	if err != nil {
		return "", types.WrapFault(types.CodeValidationFailed, "resolve path", err)
	}
	root, err := filepath.Abs(base)
	if err != nil {
		return "", types.WrapFault(types.CodeValidationFailed, "resolve base path", err)
	}
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", types.Faultf(types.CodeSecurityViolation, "path %s escapes the document root", name)
	}
	return abs, nil
}

// removeWithSidecar deletes a persisted file and its sidecar, ignoring
// files that are already gone.
func removeWithSidecar(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return types.WrapFault(types.CodeTemporaryFailure, fmt.Sprintf("remove %s", filepath.Base(path)), err)
	}
	if err := os.Remove(path + ".meta"); err != nil && !os.IsNotExist(err) {
		return types.WrapFault(types.CodeTemporaryFailure, fmt.Sprintf("remove %s.meta", filepath.Base(path)), err)
	}
	return nil
}
