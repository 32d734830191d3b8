package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/codeharbor/codeharbor/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketUsers           = []byte("users")
	bucketUsersByGitHub   = []byte("users_by_github")
	bucketBlockedUsers    = []byte("blocked_users")
	bucketSessions        = []byte("sessions")
	bucketWorkspaces      = []byte("workspaces")
	bucketWorkspacesByCID = []byte("workspaces_by_container")
	bucketTemplates       = []byte("templates")
)

// DBFileName is the database file created inside the data directory
const DBFileName = "codeharbor.db"

// TokenCipher seals credentials before they are written
type TokenCipher interface {
	Seal(plaintext string) (string, error)
	Open(value string) (string, error)
}

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db     *bolt.DB
	tokens TokenCipher
}

// Option configures a BoltStore
type Option func(*BoltStore)

// WithTokenCipher encrypts users' GitHub access tokens at rest
func WithTokenCipher(c TokenCipher) Option {
	return func(s *BoltStore) { s.tokens = c }
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string, opts ...Option) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, DBFileName)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketUsers,
			bucketUsersByGitHub,
			bucketBlockedUsers,
			bucketSessions,
			bucketWorkspaces,
			bucketWorkspacesByCID,
			bucketTemplates,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	s := &BoltStore{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func put(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func get[T any](b *bolt.Bucket, key, kind string) (*T, error) {
	data := b.Get([]byte(key))
	if data == nil {
		return nil, fmt.Errorf("%s %s: %w", kind, key, ErrNotFound)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode %s %s: %w", kind, key, err)
	}
	return &v, nil
}

func list[T any](b *bolt.Bucket) ([]*T, error) {
	var out []*T
	err := b.ForEach(func(k, v []byte) error {
		var item T
		if err := json.Unmarshal(v, &item); err != nil {
			return err
		}
		out = append(out, &item)
		return nil
	})
	return out, err
}

// User operations

// UpsertGitHubUser creates the user on first login or refreshes the GitHub
// profile and token of the existing user with the same GitHub id. An empty
// Name keeps the stored one. The stored user, with its ID, is returned.
func (s *BoltStore) UpsertGitHubUser(user *types.User) (*types.User, error) {
	var stored *types.User
	err := s.db.Update(func(tx *bolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		index := tx.Bucket(bucketUsersByGitHub)
		ghKey := []byte(strconv.FormatInt(user.GitHubID, 10))

		u := *user
		if existing := index.Get(ghKey); existing != nil {
			u.ID = string(existing)
			if u.Name == "" {
				prev, err := get[types.User](users, u.ID, "user")
				if err != nil {
					return err
				}
				u.Name = prev.Name
			}
		} else if u.ID == "" {
			return fmt.Errorf("user id required for new user")
		}

		sealed := u
		if s.tokens != nil {
			token, err := s.tokens.Seal(u.GitHubAccessToken)
			if err != nil {
				return fmt.Errorf("failed to seal access token: %w", err)
			}
			sealed.GitHubAccessToken = token
		}

		if err := put(users, u.ID, &sealed); err != nil {
			return err
		}
		if err := index.Put(ghKey, []byte(u.ID)); err != nil {
			return err
		}
		stored = &u
		return nil
	})
	return stored, err
}

func (s *BoltStore) GetUser(id string) (*types.User, error) {
	var user *types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		user, err = get[types.User](tx.Bucket(bucketUsers), id, "user")
		return err
	})
	if err != nil {
		return nil, err
	}
	if s.tokens != nil {
		token, err := s.tokens.Open(user.GitHubAccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to open access token of user %s: %w", id, err)
		}
		user.GitHubAccessToken = token
	}
	return user, nil
}

func (s *BoltStore) IsBlocked(githubID int64) (bool, error) {
	var blocked bool
	err := s.db.View(func(tx *bolt.Tx) error {
		blocked = tx.Bucket(bucketBlockedUsers).Get([]byte(strconv.FormatInt(githubID, 10))) != nil
		return nil
	})
	return blocked, err
}

func (s *BoltStore) BlockUser(githubID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlockedUsers).Put([]byte(strconv.FormatInt(githubID, 10)), []byte{1})
	})
}

// UnblockUser lifts a block. Unblocking someone who is not blocked is a no-op.
func (s *BoltStore) UnblockUser(githubID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlockedUsers).Delete([]byte(strconv.FormatInt(githubID, 10)))
	})
}

// Session operations
func (s *BoltStore) CreateSession(session *types.Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(bucketSessions), session.ID, session)
	})
}

func (s *BoltStore) GetSession(id string) (*types.Session, error) {
	var session *types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		session, err = get[types.Session](tx.Bucket(bucketSessions), id, "session")
		return err
	})
	return session, err
}

func (s *BoltStore) UpdateSession(session *types.Session) error {
	return s.CreateSession(session) // Same as create (upsert)
}

func (s *BoltStore) DeleteSession(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(id))
	})
}

// Workspace operations

// CreateWorkspace inserts a new workspace. Container IDs are unique across
// workspaces; a duplicate yields ErrConflict.
func (s *BoltStore) CreateWorkspace(ws *types.Workspace) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkspaces)
		index := tx.Bucket(bucketWorkspacesByCID)

		if b.Get([]byte(ws.ID)) != nil {
			return fmt.Errorf("workspace %s: %w", ws.ID, ErrConflict)
		}
		if index.Get([]byte(ws.ContainerID)) != nil {
			return fmt.Errorf("container %s: %w", ws.ContainerID, ErrConflict)
		}
		if ws.SharedUserIDs == nil {
			ws.SharedUserIDs = []string{}
		}
		if err := put(b, ws.ID, ws); err != nil {
			return err
		}
		return index.Put([]byte(ws.ContainerID), []byte(ws.ID))
	})
}

func (s *BoltStore) GetWorkspace(id string) (*types.Workspace, error) {
	var ws *types.Workspace
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		ws, err = get[types.Workspace](tx.Bucket(bucketWorkspaces), id, "workspace")
		return err
	})
	return ws, err
}

func (s *BoltStore) ListWorkspaces() ([]*types.Workspace, error) {
	var workspaces []*types.Workspace
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		workspaces, err = list[types.Workspace](tx.Bucket(bucketWorkspaces))
		return err
	})
	return workspaces, err
}

// ListWorkspacesForUser returns workspaces the user owns or has shared
func (s *BoltStore) ListWorkspacesForUser(userID string) ([]*types.Workspace, error) {
	all, err := s.ListWorkspaces()
	if err != nil {
		return nil, err
	}
	var out []*types.Workspace
	for _, ws := range all {
		if ws.HasAccess(userID) {
			out = append(out, ws)
		}
	}
	return out, nil
}

func (s *BoltStore) DeleteWorkspace(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkspaces)
		ws, err := get[types.Workspace](b, id, "workspace")
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketWorkspacesByCID).Delete([]byte(ws.ContainerID)); err != nil {
			return err
		}
		return b.Delete([]byte(id))
	})
}

// updateWorkspace applies fn to the stored workspace inside one write
// transaction
func (s *BoltStore) updateWorkspace(id string, fn func(ws *types.Workspace) bool) (bool, error) {
	var changed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkspaces)
		ws, err := get[types.Workspace](b, id, "workspace")
		if err != nil {
			return err
		}
		if changed = fn(ws); !changed {
			return nil
		}
		return put(b, id, ws)
	})
	return changed, err
}

func (s *BoltStore) TouchWorkspace(id string, at time.Time) error {
	_, err := s.updateWorkspace(id, func(ws *types.Workspace) bool {
		ws.LastAccessedAt = at
		return true
	})
	return err
}

// AddSharedUser adds userID to the shared set. It reports false when the
// user was already present.
func (s *BoltStore) AddSharedUser(workspaceID, userID string) (bool, error) {
	return s.updateWorkspace(workspaceID, func(ws *types.Workspace) bool {
		if slices.Contains(ws.SharedUserIDs, userID) {
			return false
		}
		ws.SharedUserIDs = append(ws.SharedUserIDs, userID)
		return true
	})
}

// RemoveSharedUser removes userID from the shared set. It reports false when
// the user was not present.
func (s *BoltStore) RemoveSharedUser(workspaceID, userID string) (bool, error) {
	return s.updateWorkspace(workspaceID, func(ws *types.Workspace) bool {
		i := slices.Index(ws.SharedUserIDs, userID)
		if i < 0 {
			return false
		}
		ws.SharedUserIDs = slices.Delete(ws.SharedUserIDs, i, i+1)
		return true
	})
}

// Template operations
func (s *BoltStore) CreateTemplate(tmpl *types.Template) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(bucketTemplates), tmpl.ID, tmpl)
	})
}

func (s *BoltStore) GetTemplate(id string) (*types.Template, error) {
	var tmpl *types.Template
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		tmpl, err = get[types.Template](tx.Bucket(bucketTemplates), id, "template")
		return err
	})
	return tmpl, err
}

func (s *BoltStore) ListTemplates() ([]*types.Template, error) {
	var templates []*types.Template
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		templates, err = list[types.Template](tx.Bucket(bucketTemplates))
		return err
	})
	return templates, err
}

func (s *BoltStore) DeleteTemplate(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTemplates).Delete([]byte(id))
	})
}
