package main

import "github.com/charmbracelet/lipgloss"

var (
	PrimaryColor   = lipgloss.Color("39")  // Blue
	SecondaryColor = lipgloss.Color("213") // Pink
	SuccessColor   = lipgloss.Color("42")  // Green
	ErrorColor     = lipgloss.Color("196") // Red
	WarningColor   = lipgloss.Color("214") // Orange
	MutedColor     = lipgloss.Color("243") // Gray

	BaseStyle = lipgloss.NewStyle()

	TimestampStyle = BaseStyle.Foreground(MutedColor)
	AuthorStyle    = BaseStyle.Foreground(SecondaryColor).Bold(true)
	SelfStyle      = BaseStyle.Foreground(PrimaryColor).Bold(true)
	WhisperStyle   = BaseStyle.Foreground(SecondaryColor).Italic(true)
	NoticeStyle    = BaseStyle.Foreground(MutedColor)
	SuccessStyle   = BaseStyle.Foreground(SuccessColor)
	WarningStyle   = BaseStyle.Foreground(WarningColor)
	ErrorStyle     = BaseStyle.Foreground(ErrorColor).Bold(true)
	PromptStyle    = BaseStyle.Foreground(PrimaryColor)
)
