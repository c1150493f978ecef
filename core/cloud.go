package core

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// MetadataTable is the reserved journal table holding a cloud's
// self-describing CloudMetadata, replicated like any other mutation.
const MetadataTable = "__cloud_metadata"

// metadataKey is the single well-known key CloudMetadata is stored under.
var metadataKey = []byte("self")

// CloudMetadata describes a cloud.
type CloudMetadata struct {
	CreatedAt   uint64  `json:"created_at"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	RemoteURL   *string `json:"remote_url,omitempty"`
}

// Cloud binds a secret k, its derived id, and a Journal. It is the only
// place in the process that holds k.
type Cloud struct {
	secret Secret
	id     [32]byte
	j      *Journal
}

var cloudLogger = logrus.WithField("component", "cloud")

func cloudJournalPath(dataDir string, id [32]byte) string {
	if dataDir == "" {
		return ""
	}
	return filepath.Join(dataDir, IDHex(id)+".vsdb")
}

// NewCloud samples a fresh secret, opens its journal at dataDir (or
// in-memory if dataDir is empty), and writes default metadata as the
// index-0 transaction.
func NewCloud(dataDir, name, description string) (*Cloud, error) {
	k, err := NewSecret()
	if err != nil {
		return nil, err
	}
	return newCloudFromSecret(k, dataDir, &CloudMetadata{Name: name, Description: description})
}

// FromSecret rehydrates a Cloud from an existing secret and journal on
// disk, whether newly imported or a normal restart.
func FromSecret(k Secret, dataDir string) (*Cloud, error) {
	return newCloudFromSecret(k, dataDir, nil)
}

func newCloudFromSecret(k Secret, dataDir string, initialMetadata *CloudMetadata) (*Cloud, error) {
	id, err := IDFromSecret(k)
	if err != nil {
		return nil, err
	}
	path := cloudJournalPath(dataDir, id)
	j, err := OpenJournal(path)
	if err != nil {
		return nil, err
	}
	c := &Cloud{secret: k, id: id, j: j}

	length, err := j.JournalTxLen()
	if err != nil {
		_ = j.Close()
		return nil, err
	}
	if length == 0 && initialMetadata != nil {
		if err := c.SetMetadata(*initialMetadata); err != nil {
			_ = j.Close()
			return nil, err
		}
	}
	cloudLogger.WithField("id", IDHex(id)).Info("cloud ready")
	return c, nil
}

// ID returns the cloud's 32-byte identifier.
func (c *Cloud) ID() [32]byte { return c.id }

// Journal returns the cloud's underlying journal.
func (c *Cloud) Journal() *Journal { return c.j }

// Close releases the cloud's journal handle.
func (c *Cloud) Close() error { return c.j.Close() }

// EncryptTx delegates to the crypto envelope using this cloud's secret.
func (c *Cloud) EncryptTx(tx JournalTransaction, opts EncryptTxOpts) (Mutation, error) {
	return EncryptTx(c.secret, tx, opts)
}

// DecryptTx delegates to the crypto envelope using this cloud's secret.
func (c *Cloud) DecryptTx(m Mutation) (JournalTransaction, error) {
	return DecryptTx(c.secret, m)
}

// Metadata returns the cloud's current CloudMetadata.
func (c *Cloud) Metadata() (CloudMetadata, error) {
	raw, err := c.j.Get(MetadataTable, metadataKey)
	if err != nil {
		return CloudMetadata{}, err
	}
	var m CloudMetadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return CloudMetadata{}, fmt.Errorf("%w: decode metadata: %v", ErrMalformed, err)
	}
	return m, nil
}

// SetMetadata writes m to the reserved metadata table, producing a new
// journal transaction and therefore a replicated mutation.
func (c *Cloud) SetMetadata(m CloudMetadata) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("core: encode metadata: %w", err)
	}
	_, err = c.j.BeginWrite().Insert(MetadataTable, metadataKey, raw).Commit()
	return err
}

// DuplicateAt forks the cloud at index k: it creates a brand-new cloud
// with a fresh secret and replays the operations of the first k+1
// committed transactions of c into its journal, so the fork's history
// exactly matches the source's prefix (it is encrypted under the new
// secret when pushed). Indices restart at 0 and chain from the zero hash;
// the relay treats the result as an unrelated id. newName is only
// logged: it is not written into the forked journal, which keeps the
// replayed prefix identical to the source, and
// AppState.DuplicateActiveCloud does not record it either.
func (c *Cloud) DuplicateAt(dataDir string, index uint64, newName string) (*Cloud, error) {
	length, err := c.j.JournalTxLen()
	if err != nil {
		return nil, err
	}
	if length == 0 || index > length-1 {
		return nil, fmt.Errorf("%w: fork index %d out of range (len=%d)", ErrNotFound, index, length)
	}

	k, err := NewSecret()
	if err != nil {
		return nil, err
	}
	id, err := IDFromSecret(k)
	if err != nil {
		return nil, err
	}
	j, err := OpenJournal(cloudJournalPath(dataDir, id))
	if err != nil {
		return nil, err
	}
	forked := &Cloud{secret: k, id: id, j: j}

	for i := uint64(0); i <= index; i++ {
		srcTx, err := c.j.JournalTxByIndex(i)
		if err != nil {
			_ = forked.Close()
			return nil, err
		}
		b := forked.j.BeginWrite()
		for _, op := range srcTx.Operations {
			switch op.Kind {
			case OpInsert:
				b.Insert(op.Table, op.Key, op.Value)
			case OpRemove:
				b.Remove(op.Table, op.Key)
			case OpDeleteTable:
				b.DeleteTable(op.Table)
			}
		}
		if _, err := b.Commit(); err != nil {
			_ = forked.Close()
			return nil, err
		}
	}
	cloudLogger.WithFields(logrus.Fields{
		"source":        IDHex(c.id),
		"fork":          IDHex(forked.id),
		"through_index": index,
		"name":          newName,
	}).Info("cloud forked")
	return forked, nil
}
