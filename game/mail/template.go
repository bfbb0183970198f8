package mail

import (
	"context"
	"strings"
	"time"

	"github.com/kasuganosora/mailsystem/audit"
	"github.com/kasuganosora/mailsystem/codec"
	"github.com/kasuganosora/mailsystem/model"
	"go.uber.org/zap"
)

const maxTemplateName = 32

// Template is a stored template with its items decoded.
type Template struct {
	model.MailTemplate
	Items []codec.Stack `json:"items"`
}

// TemplateSpec creates or replaces a template.
type TemplateSpec struct {
	Name        string        `json:"name"`
	DisplayName string        `json:"display_name"`
	Title       string        `json:"title"`
	Body        string        `json:"body"`
	Currency    int64         `json:"currency"`
	Items       []codec.Stack `json:"items"`
	CreatedBy   string        `json:"-"`
}

// SaveTemplate validates and stores a template under its name.
func (s *Service) SaveTemplate(ctx context.Context, spec TemplateSpec) (*Template, error) {
	switch {
	case spec.Name == "", len(spec.Name) > maxTemplateName:
		return nil, ErrInvalidTemplate
	case spec.Title == "":
		return nil, ErrTitleRequired
	case spec.Currency < 0, !positive(spec.Items):
		return nil, ErrInvalidAmount
	}
	t := &model.MailTemplate{
		Name:        spec.Name,
		DisplayName: spec.DisplayName,
		Title:       spec.Title,
		Body:        spec.Body,
		Currency:    spec.Currency,
		CreatedBy:   spec.CreatedBy,
	}
	if len(spec.Items) > 0 {
		blob, err := codec.Encode(codec.Payload{Items: spec.Items})
		if err != nil {
			return nil, err
		}
		t.Payload, t.CodecVersion = blob, codec.Version(blob)
	}
	if err := s.store.SaveTemplate(ctx, t); err != nil {
		return nil, err
	}
	s.audit.Log(audit.Entry{Action: audit.ActionTemplate, Detail: map[string]string{"name": t.Name, "by": spec.CreatedBy}})
	return &Template{MailTemplate: *t, Items: spec.Items}, nil
}

// Template loads one template.
func (s *Service) Template(ctx context.Context, name string) (*Template, error) {
	t, err := s.store.Template(ctx, name)
	if err != nil {
		return nil, err
	}
	return decodeTemplate(*t)
}

// Templates lists every template by name.
func (s *Service) Templates(ctx context.Context) ([]Template, error) {
	rows, err := s.store.Templates(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Template, 0, len(rows))
	for _, r := range rows {
		t, err := decodeTemplate(r)
		if err != nil {
			s.logger.Error("template payload corrupt", zap.String("name", r.Name), zap.Error(err))
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

// DeleteTemplate removes a template.
func (s *Service) DeleteTemplate(ctx context.Context, name string) error {
	ok, err := s.store.DeleteTemplate(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// SendTemplate broadcasts a template with its placeholders filled per
// recipient. The use count grows by the number of mails sent.
func (s *Service) SendTemplate(ctx context.Context, name string, a Audience, traceID string) (*BroadcastResult, error) {
	t, err := s.Template(ctx, name)
	if err != nil {
		return nil, err
	}
	now := s.now()
	res, err := s.broadcast(ctx, a, traceID, func(recipientID int64) SystemMail {
		receiver, err := s.directory.Name(ctx, recipientID)
		if err != nil {
			receiver = ""
		}
		r := strings.NewReplacer(
			"{sender}", systemName,
			"{receiver}", receiver,
			"{date}", now.Format(time.DateOnly),
			"{time}", now.Format("15:04"),
			"{server}", s.cfg.ServerName,
		)
		return SystemMail{Title: r.Replace(t.Title), Body: r.Replace(t.Body), Currency: t.Currency, Items: t.Items}
	})
	if err != nil {
		return nil, err
	}
	if res.Sent > 0 {
		if err := s.store.CountTemplateUse(ctx, name, res.Sent); err != nil {
			s.logger.Warn("template use count not updated", zap.String("name", name), zap.Error(err))
		}
	}
	return res, nil
}

func decodeTemplate(t model.MailTemplate) (*Template, error) {
	p, err := codec.Decode(t.Payload)
	if err != nil {
		return nil, err
	}
	return &Template{MailTemplate: t, Items: p.Items}, nil
}
