package mail

import "context"

// Block stops blockedID from mailing ownerID.
func (s *Service) Block(ctx context.Context, ownerID, blockedID int64) error {
	if blockedID <= 0 || blockedID == ownerID {
		return ErrInvalidRecipient
	}
	ok, err := s.directory.Exists(ctx, blockedID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoSuchRecipient
	}
	return s.store.Block(ctx, ownerID, blockedID)
}

// Unblock lifts a block. It reports whether one existed.
func (s *Service) Unblock(ctx context.Context, ownerID, blockedID int64) (bool, error) {
	return s.store.Unblock(ctx, ownerID, blockedID)
}

// Blacklist returns the IDs ownerID has blocked.
func (s *Service) Blacklist(ctx context.Context, ownerID int64) ([]int64, error) {
	return s.store.ListBlocked(ctx, ownerID)
}
