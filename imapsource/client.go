package imapsource

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// NetDialer opens real IMAP sessions per the account configuration.
type NetDialer struct{}

var _ Dialer = NetDialer{}

// Dial connects, authenticates and selects the account folder.
func (NetDialer) Dial(ctx context.Context, account AccountConfig) (Session, error) {
	addr := fmt.Sprintf("%s:%d", account.Host, account.Port)
	var (
		c   *imapclient.Client
		err error
	)
	if account.UseSSL {
		c, err = imapclient.DialTLS(addr, nil)
	} else {
		c, err = imapclient.DialInsecure(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("imap dial %s: %w", addr, err)
	}
	if err := c.Login(account.User, account.Password).Wait(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("imap login %s: %w", account.User, err)
	}
	if _, err := c.Select(account.Folder, nil).Wait(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("imap select %s: %w", account.Folder, err)
	}
	return &imapSession{client: c}, nil
}

type imapSession struct {
	client *imapclient.Client
}

func (s *imapSession) Search(ctx context.Context, since time.Time, unseenOnly bool) ([]uint32, error) {
	criteria := &imap.SearchCriteria{}
	if !since.IsZero() && since.Unix() > 0 {
		criteria.Since = since
	}
	if unseenOnly {
		criteria.NotFlag = []imap.Flag{imap.FlagSeen}
	}
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}
	uids := data.AllUIDs()
	ids := make([]uint32, len(uids))
	for i, uid := range uids {
		ids[i] = uint32(uid)
	}
	return ids, nil
}

func (s *imapSession) Fetch(ctx context.Context, id uint32) ([]byte, error) {
	section := &imap.FetchItemBodySection{}
	msgs, err := s.client.Fetch(
		imap.UIDSetNum(imap.UID(id)),
		&imap.FetchOptions{BodySection: []*imap.FetchItemBodySection{section}},
	).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch %d: %w", id, err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("imap fetch %d: no message returned", id)
	}
	body := msgs[0].FindBodySection(section)
	if body == nil {
		return nil, fmt.Errorf("imap fetch %d: missing body section", id)
	}
	return body, nil
}

func (s *imapSession) MarkSeen(ctx context.Context, ids []uint32) error {
	uids := make([]imap.UID, len(ids))
	for i, id := range ids {
		uids[i] = imap.UID(id)
	}
	cmd := s.client.Store(imap.UIDSetNum(uids...), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Flags:  []imap.Flag{imap.FlagSeen},
		Silent: true,
	}, nil)
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("imap store seen: %w", err)
	}
	return nil
}

func (s *imapSession) Close() error {
	if err := s.client.Logout().Wait(); err != nil {
		return s.client.Close()
	}
	return s.client.Close()
}
