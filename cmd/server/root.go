package main

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ecfrdash",
	Short: "Dashboard for the Electronic Code of Federal Regulations",
	Long: `ecfrdash serves a dashboard over the eCFR API: agency and title listings,
change history, content structure and word counts computed from downloaded
title XML.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "ecfrdash.yml", "config file path")
}
