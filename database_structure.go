package dosewatch

var (
	DatabaseStructure = []string{
		"INVALID SQL, index 0 is not allowed for database updates",

		"CREATE TABLE `devices`(`id` bigint(20) UNSIGNED NOT NULL,`guid` varchar(256) NOT NULL,`created` timestamp NOT NULL DEFAULT current_timestamp(),`token` varchar(256) DEFAULT NULL,`online` tinyint(1) NOT NULL DEFAULT 0) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;",
		"ALTER TABLE `devices` ADD UNIQUE KEY `id` (`id`), ADD UNIQUE KEY `device_guid` (`guid`);",
		"ALTER TABLE `devices` MODIFY `id` bigint(20) UNSIGNED NOT NULL AUTO_INCREMENT;",

		"CREATE TABLE `device_commands`(`id` bigint(20) UNSIGNED NOT NULL,`device_id` bigint(20) UNSIGNED NOT NULL,`device_guid` varchar(256) NOT NULL,`command` varchar(256) NOT NULL,`container` int(11) NOT NULL,`created` timestamp NOT NULL DEFAULT current_timestamp(),`parameters` blob DEFAULT NULL,`pending` tinyint(1) NOT NULL DEFAULT 1) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;",
		"ALTER TABLE `device_commands` ADD UNIQUE KEY `id` (`id`), ADD KEY `device_id` (`device_id`), ADD KEY `device_container` (`device_id`,`container`);",
		"ALTER TABLE `device_commands` ADD CONSTRAINT `device_commands_device_id_lock` FOREIGN KEY (`device_id`) REFERENCES `devices` (`id`);",

		"CREATE TABLE `container_results`(`id` bigint(20) UNSIGNED NOT NULL,`device_guid` varchar(256) NOT NULL,`container` int(11) NOT NULL,`verified` tinyint(1) NOT NULL,`pass` tinyint(1) NOT NULL,`pill_count` int(11) NOT NULL,`confidence` double NOT NULL,`expected` blob DEFAULT NULL,`detected` blob DEFAULT NULL,`image` varchar(512) NOT NULL,`timestamp` timestamp(3) NOT NULL) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;",
		"ALTER TABLE `container_results` ADD UNIQUE KEY `device_container` (`device_guid`,`container`);",

		"CREATE TABLE `notifications`(`id` bigint(20) UNSIGNED NOT NULL,`device_guid` varchar(256) NOT NULL,`container` int(11) NOT NULL,`message` varchar(1024) NOT NULL,`diff` blob DEFAULT NULL,`timestamp` timestamp(3) NOT NULL) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;",
		"ALTER TABLE `notifications` ADD UNIQUE KEY `id` (`id`), ADD KEY `device_container` (`device_guid`,`container`);",
	}
)
