package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/apk-analysis/hookshell/internal/config"
	"github.com/apk-analysis/hookshell/internal/lifecycle"
	"github.com/apk-analysis/hookshell/internal/repository"
	"github.com/apk-analysis/hookshell/internal/service"
	"github.com/apk-analysis/hookshell/internal/store"
)

// 迁移数据库表结构, 并可选地把 hook_config 文档导入数据库快照
func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径")
	importDoc := flag.Bool("import", false, "把 hook_config 文档导入数据库")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	logger := config.InitLogger(&cfg.Log)

	// InitDB 内部完成 AutoMigrate
	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}
	fmt.Println("✓ Migration completed successfully")

	if !*importDoc {
		return
	}

	docs := store.New(cfg.Data.Dir, store.Options{Tracker: lifecycle.NewReadyTracker()}, logger)
	doc, err := docs.Read(store.DocHookConfig)
	if err != nil {
		log.Fatalf("Failed to read %s: %v", docs.Path(store.DocHookConfig), err)
	}
	hooks, errs := service.HooksFromDocument(doc)
	for _, err := range errs {
		logger.WithError(err).Warn("Skipping malformed hook entry")
	}

	repo := repository.NewHookRepository(db, logger)
	if err := repo.SaveSnapshot(context.Background(), hooks); err != nil {
		log.Fatalf("Failed to import hooks: %v", err)
	}
	fmt.Printf("✓ Imported %d hooks from %s\n", len(hooks), docs.Path(store.DocHookConfig))
}
