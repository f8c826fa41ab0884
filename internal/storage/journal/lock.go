package journal

import (
	"errors"
	"fmt"
	"os"
)

// lockProtocol is the two-file quiescence handshake of a locking reader. An
// operator creates the request file; the reader answers with the accepted
// file and opens no new journal files until the request is removed.
type lockProtocol struct {
	requested string
	accepted  string
	locked    bool
}

func newLockProtocol(params Parameters) (*lockProtocol, error) {
	requested, err := params.Required(ParamLockRequestedFilename)
	if err != nil {
		return nil, err
	}
	accepted, err := params.Required(ParamLockAcceptedFilename)
	if err != nil {
		return nil, err
	}
	if requested == accepted {
		return nil, configErrorf(ParamLockAcceptedFilename, "must differ from %s", ParamLockRequestedFilename)
	}
	return &lockProtocol{requested: requested, accepted: accepted}, nil
}

// check polls the request file, updates the accepted file to match, and
// reports whether the reader is locked. changed is true on a transition.
func (p *lockProtocol) check() (locked, changed bool, err error) {
	requested, err := exists(p.requested)
	if err != nil {
		return p.locked, false, err
	}

	if requested {
		if err := touch(p.accepted); err != nil {
			return p.locked, false, fmt.Errorf("journal: failed to accept lock: %w", err)
		}
	} else if err := os.Remove(p.accepted); err != nil && !errors.Is(err, os.ErrNotExist) {
		return p.locked, false, fmt.Errorf("journal: failed to release lock: %w", err)
	}

	changed = requested != p.locked
	p.locked = requested
	return p.locked, changed, nil
}

// RequestLock creates the request file. Used by operator tooling.
func RequestLock(requestedPath string) error {
	return touch(requestedPath)
}

// ReleaseLock removes the request file. Removing a missing file is not an
// error.
func ReleaseLock(requestedPath string) error {
	if err := os.Remove(requestedPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// LockAccepted reports whether a reader has acknowledged the lock.
func LockAccepted(acceptedPath string) (bool, error) {
	return exists(acceptedPath)
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	return f.Close()
}
