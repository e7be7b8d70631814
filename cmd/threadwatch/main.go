package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/caarlos0/env/v6"
	"github.com/hkdb/threadwatch/internal/account"
	"github.com/hkdb/threadwatch/internal/conversation"
	"github.com/hkdb/threadwatch/internal/database"
	"github.com/hkdb/threadwatch/internal/email"
	"github.com/hkdb/threadwatch/internal/folder"
	"github.com/hkdb/threadwatch/internal/imapfolder"
	"github.com/hkdb/threadwatch/internal/localstore"
	"github.com/hkdb/threadwatch/internal/logging"
	"github.com/hkdb/threadwatch/internal/monitor"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

// config is populated from the environment (and .env when present)
type config struct {
	IMAPHost     string `env:"THREADWATCH_IMAP_HOST"`
	IMAPPort     int    `env:"THREADWATCH_IMAP_PORT" envDefault:"993"`
	IMAPSecurity string `env:"THREADWATCH_IMAP_SECURITY" envDefault:"tls"`
	IMAPUsername string `env:"THREADWATCH_IMAP_USERNAME"`
	IMAPPassword string `env:"THREADWATCH_IMAP_PASSWORD"`

	Mailbox   string `env:"THREADWATCH_MAILBOX" envDefault:"INBOX"`
	Delimiter string `env:"THREADWATCH_DELIMITER" envDefault:"/"`

	TrashFolder  string `env:"THREADWATCH_TRASH_FOLDER" envDefault:"Trash"`
	SpamFolder   string `env:"THREADWATCH_SPAM_FOLDER" envDefault:"Junk"`
	DraftsFolder string `env:"THREADWATCH_DRAFTS_FOLDER" envDefault:"Drafts"`
	SentFolder   string `env:"THREADWATCH_SENT_FOLDER" envDefault:"Sent"`

	DatabasePath string `env:"THREADWATCH_DB_PATH" envDefault:"threadwatch.db"`
	LogLevel     string `env:"THREADWATCH_LOG_LEVEL" envDefault:"info"`
}

func main() {
	app := &cli.App{
		Name:  "threadwatch",
		Usage: "watch an email folder as a live conversation list",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "window",
				Usage: "minimum number of conversations to keep materialized",
				Value: 50,
			},
			&cli.BoolFlag{
				Name:  "local-only",
				Usage: "serve from the local mirror without connecting to the server",
			},
			&cli.BoolFlag{
				Name:  "pretty",
				Usage: "human-readable log output",
			},
		},
		Action: watch,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func watch(c *cli.Context) error {
	// .env is optional; the environment always wins
	_ = godotenv.Load()

	cfg := config{}
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}

	logging.Init(cfg.LogLevel, c.Bool("pretty"))
	log := logging.WithComponent("main")

	localOnly := c.Bool("local-only")
	if !localOnly && (cfg.IMAPHost == "" || cfg.IMAPUsername == "") {
		return fmt.Errorf("THREADWATCH_IMAP_HOST and THREADWATCH_IMAP_USERNAME are required unless --local-only is set")
	}

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := localstore.NewStore(db)
	acct := localstore.NewAccount(store)

	specials := map[account.SpecialKind]string{
		account.KindInbox:  "INBOX",
		account.KindTrash:  cfg.TrashFolder,
		account.KindSpam:   cfg.SpamFolder,
		account.KindDrafts: cfg.DraftsFolder,
		account.KindSent:   cfg.SentFolder,
	}
	for kind, name := range specials {
		if name == "" {
			continue
		}
		path := email.ParseFolderPath(name, cfg.Delimiter)
		if err := acct.SetSpecialFolder(ctx, kind, path); err != nil {
			return err
		}
	}

	var watched folder.Folder
	if localOnly {
		watched = localstore.NewFolder(store, email.ParseFolderPath(cfg.Mailbox, cfg.Delimiter))
	} else {
		imapCfg := imapfolder.DefaultConfig()
		imapCfg.Host = cfg.IMAPHost
		imapCfg.Port = cfg.IMAPPort
		imapCfg.Security = imapfolder.SecurityType(cfg.IMAPSecurity)
		imapCfg.Username = cfg.IMAPUsername
		imapCfg.Password = cfg.IMAPPassword
		watched = imapfolder.NewFolder(imapCfg, store, acct, cfg.Mailbox, cfg.Delimiter)
	}

	mon := monitor.New(watched, acct, monitor.Options{
		WindowCount:            c.Int("window"),
		ReestablishConnections: !localOnly,
	})
	mon.SetCallbacks(monitor.Callbacks{
		ScanError: func(err error) {
			log.Warn().Err(err).Msg("Scan error")
		},
		SeedCompleted: func() {
			log.Info().Int("conversations", mon.ConversationCount()).Msg("Seed completed")
		},
		ConversationsAdded: func(convs []*conversation.Conversation) {
			for _, conv := range convs {
				logConversation(log, "Conversation added", conv)
			}
		},
		ConversationAppended: func(conv *conversation.Conversation, emails []*email.Email) {
			log.Info().Int("emails", len(emails)).Int("size", conv.EmailCount()).
				Msg("Conversation appended")
		},
		ConversationTrimmed: func(conv *conversation.Conversation, emails []*email.Email) {
			log.Info().Int("emails", len(emails)).Int("size", conv.EmailCount()).
				Msg("Conversation trimmed")
		},
		ConversationRemoved: func(conv *conversation.Conversation) {
			log.Info().Msg("Conversation removed")
		},
		EmailFlagsChanged: func(conv *conversation.Conversation, e *email.Email) {
			log.Info().Str("id", e.Id.String()).Str("flags", e.Flags.String()).
				Msg("Email flags changed")
		},
	})

	if _, err := mon.Start(ctx); err != nil {
		return err
	}

	log.Info().Str("mailbox", cfg.Mailbox).Bool("localOnly", localOnly).Msg("Watching")
	<-ctx.Done()

	stopCtx := context.Background()
	if err := mon.Stop(stopCtx); err != nil {
		log.Warn().Err(err).Msg("Stop failed")
	}
	if err := db.Checkpoint(); err != nil {
		log.Debug().Err(err).Msg("Final checkpoint failed")
	}
	return nil
}

func logConversation(log zerolog.Logger, msg string, conv *conversation.Conversation) {
	event := log.Info().Int("size", conv.EmailCount()).
		Bool("unread", conv.IsUnread()).Bool("flagged", conv.IsFlagged())
	if latest := conv.LatestReceived(conversation.InFolderOutOfFolder, nil); latest != nil {
		event = event.Time("date", latest.Date).Str("messageId", latest.MessageId.String())
	}
	event.Msg(msg)
}
